package update

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPipeTransfersAllBytes(t *testing.T) {
	payload := make([]byte, 1<<20)
	rand.Read(payload)

	p := newPipe(context.Background(), 256*1024)
	go func() {
		src := payload
		for len(src) > 0 {
			n := 777 // deliberately unaligned writes
			if n > len(src) {
				n = len(src)
			}
			if _, err := p.Write(src[:n]); err != nil {
				p.CloseWrite(err)
				return
			}
			src = src[n:]
		}
		p.CloseWrite(nil)
	}()

	got, err := io.ReadAll(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("bytes corrupted in transit")
	}
}

func TestPipeBackpressure(t *testing.T) {
	p := newPipe(context.Background(), chunkSize) // room for exactly one chunk
	wrote := make(chan int, 1)
	go func() {
		n, _ := p.Write(make([]byte, 3*chunkSize))
		wrote <- n
	}()

	// The writer must stall with the buffer full.
	select {
	case n := <-wrote:
		t.Fatalf("writer finished with a full buffer (wrote %d)", n)
	case <-time.After(50 * time.Millisecond):
	}

	// Draining unblocks it.
	if _, err := io.CopyN(io.Discard, p, 3*chunkSize); err != nil {
		t.Fatal(err)
	}
	if n := <-wrote; n != 3*chunkSize {
		t.Fatalf("short write: %d", n)
	}
}

func TestPipeSurfacesWriterError(t *testing.T) {
	p := newPipe(context.Background(), chunkSize)
	werr := errors.New("stream broke")
	p.Write([]byte("tail"))
	p.CloseWrite(werr)

	// Buffered bytes drain first, then the error surfaces.
	got := make([]byte, 4)
	if _, err := io.ReadFull(p, got); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Read(got); !errors.Is(err, werr) {
		t.Fatalf("expected writer error, got %v", err)
	}
}

func TestPipeCleanCloseIsEOF(t *testing.T) {
	p := newPipe(context.Background(), chunkSize)
	p.CloseWrite(nil)
	if _, err := p.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestPipeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newPipe(ctx, chunkSize)

	// Fill the buffer so the writer blocks, then cancel.
	done := make(chan error, 1)
	go func() {
		_, err := p.Write(make([]byte, 4*chunkSize))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("writer not cancelled: %v", err)
	}

	// A blocked reader observes cancellation too.
	p2 := newPipe(ctx, chunkSize)
	if _, err := p2.Read(make([]byte, 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("reader not cancelled: %v", err)
	}
}

func TestOffsetReaderDiscardsGaps(t *testing.T) {
	p := newPipe(context.Background(), chunkSize)
	go func() {
		p.Write([]byte("0123456789"))
		p.CloseWrite(nil)
	}()

	r := &offsetReader{r: p, pos: 0}
	if err := r.DiscardTo(4); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 3)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "456" {
		t.Fatalf("got %q", got)
	}
	if r.pos != 7 {
		t.Fatalf("pos = %d, want 7", r.pos)
	}
	// Going backwards is a bug in the caller.
	if err := r.DiscardTo(2); err == nil {
		t.Fatal("backward discard must fail")
	}
}
