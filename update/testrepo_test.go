package update

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"drift/metadata"
)

func sha1hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// repoFixture assembles a repository directory tree for the file backend.
type repoFixture struct {
	t        *testing.T
	dir      string
	current  string
	versions []metadata.Version
	packages []metadata.Package
}

func newRepoFixture(t *testing.T) *repoFixture {
	return &repoFixture{t: t, dir: t.TempDir()}
}

func (r *repoFixture) setCurrent(revision string) {
	r.current = revision
}

func (r *repoFixture) addVersion(revision, description string) {
	r.versions = append(r.versions, metadata.Version{Revision: revision, Description: description})
}

func (r *repoFixture) writeJSON(name string, v any) {
	r.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		r.t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, name), data, 0644); err != nil {
		r.t.Fatal(err)
	}
}

// finalize writes the three index documents.
func (r *repoFixture) finalize() {
	r.t.Helper()
	current := r.current
	if current == "" && len(r.versions) > 0 {
		current = r.versions[len(r.versions)-1].Revision
	}
	r.writeJSON(metadata.CurrentName, metadata.Current{
		Version: metadata.SchemaVersion,
		Current: metadata.Version{Revision: current},
	})
	r.writeJSON(metadata.VersionsName, metadata.Versions{
		Version:  metadata.SchemaVersion,
		Versions: r.versions,
	})
	r.writeJSON(metadata.PackagesName, metadata.Packages{
		Version:  metadata.SchemaVersion,
		Packages: r.packages,
	})
}

// corrupt flips one byte of a package binary at the given offset.
func (r *repoFixture) corrupt(dataName string, offset int64) {
	r.t.Helper()
	path := filepath.Join(r.dir, dataName)
	data, err := os.ReadFile(path)
	if err != nil {
		r.t.Fatal(err)
	}
	data[offset] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		r.t.Fatal(err)
	}
}

// pkgFixture accumulates operations and the package binary.
type pkgFixture struct {
	repo *repoFixture
	pkg  metadata.Package
	ops  []metadata.Operation
	data bytes.Buffer
}

func (r *repoFixture) newPackage(from, to string) *pkgFixture {
	return &pkgFixture{repo: r, pkg: metadata.Package{From: from, To: to}}
}

func (p *pkgFixture) mkdir(path string) *pkgFixture {
	p.ops = append(p.ops, &metadata.MkDir{Path: path})
	return p
}

func (p *pkgFixture) rm(path string) *pkgFixture {
	p.ops = append(p.ops, &metadata.Rm{Path: path})
	return p
}

func (p *pkgFixture) rmdir(path string) *pkgFixture {
	p.ops = append(p.ops, &metadata.RmDir{Path: path})
	return p
}

func (p *pkgFixture) check(path string, content []byte) *pkgFixture {
	p.ops = append(p.ops, &metadata.Check{
		Path:      path,
		LocalSize: metadata.ByteCount(len(content)),
		LocalSha1: sha1hex(content),
	})
	return p
}

// pad inserts unreferenced bytes into the binary so the next slice starts
// after a gap.
func (p *pkgFixture) pad(n int) *pkgFixture {
	p.data.Write(bytes.Repeat([]byte{0xee}, n))
	return p
}

func compress(t *testing.T, compression string, content []byte) []byte {
	t.Helper()
	switch compression {
	case "none", "ue4pak":
		return content
	case "zstd":
		var buf bytes.Buffer
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(content)
		w.Close()
		return buf.Bytes()
	default:
		t.Fatalf("fixture cannot compress with %s", compression)
		return nil
	}
}

func (p *pkgFixture) add(path string, content []byte, compression string) *pkgFixture {
	return p.addRaw(path, content, compress(p.repo.t, compression, content), compression)
}

// addRaw records an add whose on-wire bytes are given explicitly, for
// unknown-codec scenarios.
func (p *pkgFixture) addRaw(path string, content, wire []byte, compression string) *pkgFixture {
	p.ops = append(p.ops, &metadata.Add{
		Path:            path,
		DataOffset:      metadata.ByteCount(p.data.Len()),
		DataSize:        metadata.ByteCount(len(wire)),
		DataSha1:        sha1hex(wire),
		DataCompression: compression,
		FinalSize:       metadata.ByteCount(len(content)),
		FinalSha1:       sha1hex(content),
	})
	p.data.Write(wire)
	return p
}

// patch records a vcdiff patch from local to final, stored uncompressed.
func (p *pkgFixture) patch(path string, local, final []byte) *pkgFixture {
	delta := buildVcdiffDelta(p.repo.t, local, final)
	p.ops = append(p.ops, &metadata.Patch{
		Path:            path,
		DataOffset:      metadata.ByteCount(p.data.Len()),
		DataSize:        metadata.ByteCount(len(delta)),
		DataSha1:        sha1hex(delta),
		DataCompression: "none",
		PatchType:       "vcdiff",
		LocalSize:       metadata.ByteCount(len(local)),
		LocalSha1:       sha1hex(local),
		FinalSize:       metadata.ByteCount(len(final)),
		FinalSha1:       sha1hex(final),
	})
	p.data.Write(delta)
	return p
}

// finalize writes the binary and metadata documents and registers the edge.
func (p *pkgFixture) finalize() metadata.Package {
	t := p.repo.t
	t.Helper()
	p.pkg.Size = metadata.ByteCount(p.data.Len())
	if err := os.WriteFile(filepath.Join(p.repo.dir, p.pkg.DataName()), p.data.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	meta := metadata.PackageMetadata{
		Version:    metadata.SchemaVersion,
		Package:    p.pkg,
		Operations: p.ops,
	}
	p.repo.writeJSON(p.pkg.MetadataName(), &meta)
	p.repo.packages = append(p.repo.packages, p.pkg)
	return p.pkg
}

// appendVcdVarint encodes a base-128 big-endian integer.
func appendVcdVarint(buf []byte, v uint64) []byte {
	var tmp [10]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			break
		}
	}
	for j := i; j < len(tmp); j++ {
		b := tmp[j]
		if j != len(tmp)-1 {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

// buildVcdiffDelta produces a minimal one-window delta: copy the local
// content when it prefixes the final content, then add the remainder.
func buildVcdiffDelta(t *testing.T, local, final []byte) []byte {
	t.Helper()

	var inst, data, addr []byte
	rest := final
	useSource := len(local) > 0 && bytes.HasPrefix(final, local)
	if useSource {
		size := uint64(len(local))
		if size >= 4 && size <= 18 {
			inst = append(inst, byte(19+size-4+1))
		} else {
			inst = append(inst, 19)
			inst = appendVcdVarint(inst, size)
		}
		addr = appendVcdVarint(addr, 0)
		rest = final[len(local):]
	}
	if len(rest) > 0 {
		size := uint64(len(rest))
		if size >= 1 && size <= 17 {
			inst = append(inst, byte(1+size))
		} else {
			inst = append(inst, 1)
			inst = appendVcdVarint(inst, size)
		}
		data = append(data, rest...)
	}

	out := []byte{0xd6, 0xc3, 0xc4, 0x00, 0x00}
	indicator := byte(0)
	if useSource {
		indicator = 0x01
	}
	out = append(out, indicator)
	if useSource {
		out = appendVcdVarint(out, uint64(len(local)))
		out = appendVcdVarint(out, 0)
	}
	var body []byte
	body = appendVcdVarint(body, uint64(len(final)))
	body = append(body, 0)
	body = appendVcdVarint(body, uint64(len(data)))
	body = appendVcdVarint(body, uint64(len(inst)))
	body = appendVcdVarint(body, uint64(len(addr)))
	body = append(body, data...)
	body = append(body, inst...)
	body = append(body, addr...)
	out = appendVcdVarint(out, uint64(len(body)))
	return append(out, body...)
}
