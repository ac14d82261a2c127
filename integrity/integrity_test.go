package integrity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAbsorberKnownVectors(t *testing.T) {
	cases := []struct {
		input  string
		digest string
	}{
		{"", "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
		{"abc", "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{"hello world", "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"},
	}
	for _, c := range cases {
		a := NewAbsorber()
		a.Write([]byte(c.input))
		if got := a.HexDigest(); got != c.digest {
			t.Errorf("digest of %q: got %s, want %s", c.input, got, c.digest)
		}
		if a.Bytes() != uint64(len(c.input)) {
			t.Errorf("byte count of %q: got %d, want %d", c.input, a.Bytes(), len(c.input))
		}
	}
}

func TestAbsorberIncrementalWrites(t *testing.T) {
	whole := NewAbsorber()
	whole.Write([]byte("hello world"))

	pieces := NewAbsorber()
	for _, piece := range []string{"he", "llo", " ", "wor", "ld"} {
		pieces.Write([]byte(piece))
	}

	if whole.HexDigest() != pieces.HexDigest() {
		t.Errorf("piecewise digest %s differs from whole digest %s", pieces.HexDigest(), whole.HexDigest())
	}
	if pieces.Bytes() != 11 {
		t.Errorf("piecewise byte count = %d, want 11", pieces.Bytes())
	}
}

func TestAbsorberDigestIsRepeatable(t *testing.T) {
	a := NewAbsorber()
	a.Write([]byte("abc"))
	first := a.HexDigest()
	second := a.HexDigest()
	if first != second {
		t.Errorf("digest changed between calls: %s then %s", first, second)
	}
	a.Write([]byte("def"))
	if a.HexDigest() == first {
		t.Error("digest did not change after more input")
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}
	digest, n, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if digest != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Errorf("unexpected digest %s", digest)
	}
	if n != 3 {
		t.Errorf("unexpected size %d", n)
	}
	if _, _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
