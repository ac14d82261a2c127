package update

import (
	"context"
	"io"
	"sync"
)

// chunkSize is the unit of transfer between the downloader and the applier.
const chunkSize = 64 * 1024

// DefaultBufferSize bounds the bytes in flight between the two tasks.
const DefaultBufferSize = 4 * 1024 * 1024

// pipe is the bounded byte channel between the downloader (producer) and the
// applier (consumer). The producer suspends when the buffer is full, the
// consumer when it is empty; neither spins. Cancellation is observed on every
// chunk boundary.
type pipe struct {
	ch  chan []byte
	ctx context.Context

	mu  sync.Mutex
	err error

	cur []byte
}

func newPipe(ctx context.Context, bufferSize int) *pipe {
	if bufferSize < chunkSize {
		bufferSize = chunkSize
	}
	return &pipe{
		ch:  make(chan []byte, bufferSize/chunkSize),
		ctx: ctx,
	}
}

// Write pushes p into the pipe in chunk-sized pieces, blocking while the
// buffer is full. The slice is copied; callers may reuse p.
func (p *pipe) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := len(b)
		if n > chunkSize {
			n = chunkSize
		}
		chunk := make([]byte, n)
		copy(chunk, b[:n])
		select {
		case p.ch <- chunk:
		case <-p.ctx.Done():
			return written, p.ctx.Err()
		}
		b = b[n:]
		written += n
	}
	return written, nil
}

// CloseWrite marks the end of the stream. err, if non-nil, is surfaced to the
// reader after it drains the buffered chunks.
func (p *pipe) CloseWrite(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	close(p.ch)
}

func (p *pipe) Read(b []byte) (int, error) {
	for len(p.cur) == 0 {
		select {
		case chunk, ok := <-p.ch:
			if !ok {
				p.mu.Lock()
				err := p.err
				p.mu.Unlock()
				if err == nil {
					err = io.EOF
				}
				return 0, err
			}
			p.cur = chunk
		case <-p.ctx.Done():
			return 0, p.ctx.Err()
		}
	}
	n := copy(b, p.cur)
	p.cur = p.cur[n:]
	return n, nil
}

// offsetReader tracks the absolute package offset of a sequential stream and
// discards the gaps between data slices.
type offsetReader struct {
	r   io.Reader
	pos uint64
}

func (o *offsetReader) Read(b []byte) (int, error) {
	n, err := o.r.Read(b)
	o.pos += uint64(n)
	return n, err
}

// DiscardTo skips forward to the given absolute offset. Going backwards is a
// metadata ordering bug caught at parse time.
func (o *offsetReader) DiscardTo(offset uint64) error {
	if offset < o.pos {
		return io.ErrUnexpectedEOF
	}
	_, err := io.CopyN(io.Discard, o, int64(offset-o.pos))
	return err
}
