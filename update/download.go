package update

import (
	"context"
	"errors"
	"io"

	log "github.com/sirupsen/logrus"

	"drift/progress"
	"drift/repository"
)

// downloader streams one byte window of a package binary into the pipe,
// reopening the stream at the current offset when it is interrupted. The
// ranged reopen is what makes a crashed or flaky download resumable without
// refetching applied bytes.
type downloader struct {
	repo    repository.Repository
	tracker *progress.Tracker
	// note, when set, observes the absolute package offset as it advances.
	note func(offset uint64)
	// attempts bounds consecutive failed reopens; forward progress resets it.
	attempts int
}

func newDownloader(repo repository.Repository, tracker *progress.Tracker) *downloader {
	return &downloader{repo: repo, tracker: tracker, attempts: 5}
}

// run copies package bytes [offset, offset+length) into the pipe; a zero
// length streams to the end of the package.
func (d *downloader) run(ctx context.Context, dataName string, offset, length uint64, sink *pipe) error {
	remaining := length
	failures := 0
	buf := make([]byte, chunkSize)
	for {
		stream, err := d.repo.OpenPackage(ctx, dataName, offset, remaining)
		if err != nil {
			failures++
			if failures >= d.attempts || !retryable(err) {
				return err
			}
			log.Warnf("reopening %s at offset %d after error: %v", dataName, offset, err)
			continue
		}

		copied, err := d.copyStream(ctx, stream, sink, buf, &offset, &remaining)
		stream.Close()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if copied {
			failures = 0
		}
		failures++
		if failures >= d.attempts {
			return err
		}
		log.Warnf("package stream %s interrupted at offset %d, resuming: %v", dataName, offset, err)
	}
}

// copyStream shovels chunks until EOF; returns whether any byte moved.
func (d *downloader) copyStream(ctx context.Context, stream io.Reader, sink *pipe, buf []byte, offset, remaining *uint64) (bool, error) {
	copied := false
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			copied = true
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return copied, werr
			}
			*offset += uint64(n)
			if d.note != nil {
				d.note(*offset)
			}
			d.tracker.DownloadedBytes(uint64(n))
			if *remaining > 0 {
				if uint64(n) >= *remaining {
					*remaining = 0
					return copied, nil
				}
				*remaining -= uint64(n)
			}
		}
		if err == io.EOF {
			return copied, nil
		}
		if err != nil {
			return copied, err
		}
		select {
		case <-ctx.Done():
			return copied, ctx.Err()
		default:
		}
	}
}

func retryable(err error) bool {
	var netErr *repository.NetworkError
	if errors.As(err, &netErr) {
		return netErr.Retryable
	}
	return false
}
