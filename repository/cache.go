package repository

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"

	"drift/datamodel/keyvalue"
	"drift/metadata"
)

// MetadataCache is a Repository decorator that persists package metadata
// documents in a local key/value store. Repair scans walk the metadata of
// every package in the repository, so revisiting them must not cost one HTTP
// round-trip each.
//
// Values are CBOR envelopes holding the raw JSON document; the key carries
// the package size, which changes whenever a package is republished.
type MetadataCache struct {
	Repository
	store keyvalue.KeyValue
}

type cacheEntry struct {
	Name   string    `cbor:"1,keyasint"`
	Stored time.Time `cbor:"2,keyasint"`
	Body   []byte    `cbor:"3,keyasint"`
}

func NewMetadataCache(inner Repository, store keyvalue.KeyValue) *MetadataCache {
	return &MetadataCache{Repository: inner, store: store}
}

func cacheKey(pkg *metadata.Package) keyvalue.Key {
	return []byte(fmt.Sprintf("pm/%s@%d", pkg.MetadataName(), pkg.Size))
}

func (c *MetadataCache) PackageMetadata(ctx context.Context, pkg *metadata.Package) (*metadata.PackageMetadata, error) {
	key := cacheKey(pkg)
	if value, err := c.store.Get(key); err == nil && value != nil {
		var entry cacheEntry
		if err := cbor.Unmarshal(value, &entry); err == nil {
			m, err := metadata.ParsePackageMetadata(entry.Name, entry.Body)
			if err == nil {
				return m, nil
			}
			log.Warnf("discarding bad cached metadata for %s: %v", entry.Name, err)
		}
		if err := c.store.Delete(key); err != nil {
			log.Warnf("failed to evict cache entry for %s: %v", pkg.MetadataName(), err)
		}
	}

	m, err := c.Repository.PackageMetadata(ctx, pkg)
	if err != nil {
		return nil, err
	}
	body, err := m.MarshalJSON()
	if err != nil {
		return m, nil
	}
	value, err := cbor.Marshal(cacheEntry{Name: pkg.MetadataName(), Stored: time.Now(), Body: body})
	if err == nil {
		if err := c.store.Put(key, value); err != nil {
			log.Warnf("failed to cache metadata for %s: %v", pkg.MetadataName(), err)
		}
	}
	return m, nil
}

func (c *MetadataCache) Close() error {
	err := c.store.Close()
	if cerr := c.Repository.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ Repository = (*MetadataCache)(nil)
var _ io.Closer = (*MetadataCache)(nil)
