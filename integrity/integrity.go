// Package integrity implements streaming content hashing for update payloads.
package integrity

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// Absorber accumulates a SHA-1 digest and a byte count over a stream.
// It is fed in the same pass as decompression and disk writes, so a payload
// is never read twice.
type Absorber struct {
	h hash.Hash
	n uint64
}

func NewAbsorber() *Absorber {
	return &Absorber{h: sha1.New()}
}

func (a *Absorber) Write(p []byte) (int, error) {
	a.h.Write(p)
	a.n += uint64(len(p))
	return len(p), nil
}

// Bytes returns the number of bytes absorbed so far.
func (a *Absorber) Bytes() uint64 {
	return a.n
}

// HexDigest returns the lowercase hex SHA-1 of the bytes absorbed so far.
// The absorber remains usable afterwards.
func (a *Absorber) HexDigest() string {
	return hex.EncodeToString(a.h.Sum(nil))
}

// HashReader drains r, returning the hex digest and byte count of its content.
func HashReader(r io.Reader) (string, uint64, error) {
	a := NewAbsorber()
	if _, err := io.Copy(a, r); err != nil {
		return "", 0, err
	}
	return a.HexDigest(), a.Bytes(), nil
}

// HashFile hashes the content of a file on disk.
func HashFile(path string) (string, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return HashReader(f)
}
