package codec

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

func init() {
	RegisterDecompressor("zstd", newZstdReader)
}

type zstdReader struct {
	dec *zstd.Decoder
}

func (z *zstdReader) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReader) Close() error {
	z.dec.Close()
	return nil
}

func newZstdReader(r io.Reader) (io.ReadCloser, error) {
	// Single-goroutine decode: the applier owns the whole codec pipeline.
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &zstdReader{dec: dec}, nil
}
