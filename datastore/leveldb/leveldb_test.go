package leveldb

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	key := []byte("pm/complete_v1@42")
	if err := db.Put(key, []byte("value")); err != nil {
		t.Fatal(err)
	}

	has, err := db.Has(key)
	if err != nil || !has {
		t.Fatalf("Has = %v, %v", has, err)
	}

	value, err := db.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(value, []byte("value")) {
		t.Fatalf("unexpected value %q", value)
	}

	if err := db.Delete(key); err != nil {
		t.Fatal(err)
	}
	value, err = db.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if value != nil {
		t.Fatalf("deleted key still present: %q", value)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	db, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	value, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != "v" {
		t.Fatalf("value lost across reopen: %q", value)
	}
}
