package codec

import (
	"io"

	"github.com/andybalholm/brotli"
)

func init() {
	RegisterDecompressor("brotli", newBrotliReader)
}

func newBrotliReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(brotli.NewReader(r)), nil
}
