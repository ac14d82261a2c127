// Package leveldb implements the keyvalue.KeyValue interface on goleveldb.
package leveldb

import (
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	log "github.com/sirupsen/logrus"

	"drift/datamodel/keyvalue"
)

var _ keyvalue.KeyValue = (*LevelDB)(nil)

type LevelDB struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func New(path string) (*LevelDB, error) {
	opts := &opt.Options{
		// Cached values are stored without block compression.
		Compression: opt.NoCompression,
	}

	// Open or create the DB
	db, err := leveldb.OpenFile(path, opts)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return &LevelDB{path: path, db: db}, nil
}

func (l *LevelDB) Has(key keyvalue.Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Has(key, nil)
}

func (l *LevelDB) Put(key keyvalue.Key, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Get(key keyvalue.Key) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	value, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return value, err
}

func (l *LevelDB) Delete(key keyvalue.Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Delete(key, nil)
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
