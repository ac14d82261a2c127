// Package codec resolves compression and patch codec names to streaming
// transforms. Decompressors wrap the package byte stream; patchers combine a
// delta stream with the local file being patched. All transforms produce
// output incrementally so channel backpressure propagates through them.
package codec

import (
	"fmt"
	"io"
)

// UnsupportedCodecError reports a codec name the registry cannot resolve.
// The affected operation is refused and handed to recovery, which may find an
// alternative package using a supported codec.
type UnsupportedCodecError struct {
	Name string
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("unsupported codec %q", e.Name)
}

// DecompressorFactory wraps a compressed stream into its decoded form.
type DecompressorFactory func(r io.Reader) (io.ReadCloser, error)

// PatcherFactory combines a decompressed delta stream with the local file
// content and yields the patched output.
type PatcherFactory func(delta io.Reader, local io.ReadSeeker) (io.ReadCloser, error)

var decompressors = map[string]DecompressorFactory{}
var patchers = map[string]PatcherFactory{}

// RegisterDecompressor makes a decompressor available under a lowercase name.
func RegisterDecompressor(name string, factory DecompressorFactory) {
	decompressors[name] = factory
}

// RegisterPatcher makes a patcher available under a lowercase name.
func RegisterPatcher(name string, factory PatcherFactory) {
	patchers[name] = factory
}

// NewDecompressor resolves name and wraps r.
func NewDecompressor(name string, r io.Reader) (io.ReadCloser, error) {
	factory, ok := decompressors[name]
	if !ok {
		return nil, &UnsupportedCodecError{Name: name}
	}
	return factory(r)
}

// NewPatcher resolves name and combines the delta stream with the local file.
func NewPatcher(name string, delta io.Reader, local io.ReadSeeker) (io.ReadCloser, error) {
	factory, ok := patchers[name]
	if !ok {
		return nil, &UnsupportedCodecError{Name: name}
	}
	return factory(delta, local)
}

func init() {
	// "none" is the identity pseudo-codec. "ue4pak" payloads are stored raw;
	// pak slicing happens at packaging time, so applying them is also identity.
	RegisterDecompressor("none", newRawReader)
	RegisterDecompressor("ue4pak", newRawReader)
}

func newRawReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}
