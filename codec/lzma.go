package codec

import (
	"io"

	"github.com/ulikunitz/xz/lzma"
)

func init() {
	RegisterDecompressor("lzma", newLzmaReader)
}

func newLzmaReader(r io.Reader) (io.ReadCloser, error) {
	lr, err := lzma.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(lr), nil
}
