package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"drift/codec"
	"drift/integrity"
	"drift/metadata"
	"drift/progress"
	"drift/repository"
	"drift/workspace"
)

// applier drains operations in metadata order, pulling data slices from the
// shared pipe. A failed verification records the operation and moves on; the
// pipeline only aborts on errors that invalidate the run itself.
type applier struct {
	ws      *workspace.Workspace
	tracker *progress.Tracker
	stream  *offsetReader
	// record captures one failed path with the content it should have had.
	record func(workspace.Failure)
	// commit persists the applied cursor after each operation.
	commit func(opIdx int) error
}

func (a *applier) run(ctx context.Context, ops []metadata.Operation, startOp int) error {
	for i := startOp; i < len(ops); i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := a.applyOne(ctx, ops[i]); err != nil {
			return err
		}
		if err := a.commit(i + 1); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) applyOne(ctx context.Context, op metadata.Operation) error {
	switch o := op.(type) {
	case *metadata.MkDir:
		return a.fsOp(o.Path, func() error { return a.ws.EnsureDir(o.Path) })
	case *metadata.Rm:
		return a.fsOp(o.Path, func() error { return a.ws.RemoveFile(o.Path) })
	case *metadata.RmDir:
		return a.fsOp(o.Path, func() error { return a.ws.RemoveDirIfEmpty(o.Path) })
	case *metadata.Check:
		return a.check(o)
	case *metadata.Add:
		return a.applyData(ctx, o, "")
	case *metadata.Patch:
		return a.applyData(ctx, o, o.PatchType)
	default:
		return fmt.Errorf("unknown operation kind %s", op.Kind())
	}
}

// fsOp runs a filesystem action, retrying once on failure before giving up on
// the run.
func (a *applier) fsOp(path string, f func() error) error {
	err := f()
	if err == nil {
		return nil
	}
	var fsErr *workspace.FilesystemError
	if !errors.As(err, &fsErr) {
		return err
	}
	log.Warnf("retrying failed filesystem operation on %s: %v", path, err)
	return f()
}

func (a *applier) check(o *metadata.Check) error {
	err := a.ws.CheckFile(o.Path, o.LocalSize, o.LocalSha1)
	if err == nil {
		a.tracker.AppliedFile()
		return nil
	}
	var intErr *workspace.IntegrityError
	if errors.As(err, &intErr) || os.IsNotExist(errors.Unwrap(err)) {
		log.Warnf("check failed for %s: %v", o.Path, err)
		a.record(workspace.Failure{Path: o.Path, Sha1: o.LocalSha1, Size: o.LocalSize, Stage: "local"})
		a.tracker.FailedFile()
		return nil
	}
	return err
}

// applyData executes an add or patch: thread the data slice through the
// decompressor (and patcher), hashing compressed input and final output in
// the same pass, then commit the staging file atomically.
func (a *applier) applyData(ctx context.Context, op metadata.DataOperation, patchType string) error {
	offset, size := op.DataRange()
	if err := a.stream.DiscardTo(uint64(offset)); err != nil {
		return fmt.Errorf("seeking to data slice of %s: %w", op.OpPath(), err)
	}
	slice := io.LimitReader(a.stream, int64(size))
	// The slice must be fully consumed even when the operation fails, or
	// every following operation of the package would misread its offsets.
	defer io.Copy(io.Discard, slice)

	err := a.streamData(ctx, op, patchType, slice)
	if err == nil {
		a.tracker.AppliedFile()
		return nil
	}

	var intErr *workspace.IntegrityError
	var codecErr *codec.UnsupportedCodecError
	switch {
	case errors.As(err, &intErr), errors.As(err, &codecErr):
		finalSize, finalSha1 := op.FinalState()
		log.Warnf("operation on %s failed: %v", op.OpPath(), err)
		a.ws.DiscardStaging(op.OpPath())
		a.record(workspace.Failure{Path: op.OpPath(), Sha1: finalSha1, Size: finalSize, Stage: failureStage(intErr)})
		a.tracker.FailedFile()
		return nil
	case errors.Is(err, context.Canceled):
		return err
	default:
		// Filesystem and stream errors invalidate the run.
		a.ws.DiscardStaging(op.OpPath())
		return err
	}
}

func failureStage(err *workspace.IntegrityError) string {
	if err == nil {
		return "data"
	}
	return err.Stage
}

func (a *applier) streamData(ctx context.Context, op metadata.DataOperation, patchType string, slice io.Reader) error {
	path := op.OpPath()
	_, size := op.DataRange()
	finalSize, finalSha1 := op.FinalState()

	dataHash := integrity.NewAbsorber()
	decoded, err := codec.NewDecompressor(op.Compression(), io.TeeReader(slice, dataHash))
	if err != nil {
		return err
	}
	defer decoded.Close()

	var local *os.File
	output := io.Reader(decoded)
	if patchType != "" {
		patch := op.(*metadata.Patch)
		if err := a.ws.CheckFile(path, patch.LocalSize, patch.LocalSha1); err != nil {
			return err
		}
		local, err = a.ws.OpenLocal(path)
		if err != nil {
			return err
		}
		defer local.Close()
		patched, err := codec.NewPatcher(patchType, decoded, local)
		if err != nil {
			return err
		}
		defer patched.Close()
		output = patched
	}

	staging, err := a.openStaging(path)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			staging.Close()
		}
	}()

	finalHash := integrity.NewAbsorber()
	if err := a.copyOutput(ctx, path, staging, output, finalHash, dataHash); err != nil {
		return err
	}

	// Some codecs stop short of trailing padding; the remainder still counts
	// as consumed compressed input.
	before := dataHash.Bytes()
	if _, err := io.Copy(dataHash, slice); err != nil {
		return err
	}
	if tail := dataHash.Bytes() - before; tail > 0 {
		a.tracker.AppliedBytes(tail, 0)
	}

	if dataHash.Bytes() != uint64(size) {
		return &workspace.IntegrityError{
			Path:     path,
			Stage:    "data",
			Expected: fmt.Sprintf("%d bytes", size),
			Actual:   fmt.Sprintf("%d bytes", dataHash.Bytes()),
		}
	}
	if digest := dataHash.HexDigest(); digest != op.DataDigest() {
		return &workspace.IntegrityError{Path: path, Stage: "data", Expected: op.DataDigest(), Actual: digest}
	}
	if finalHash.Bytes() != uint64(finalSize) {
		return &workspace.IntegrityError{
			Path:     path,
			Stage:    "final",
			Expected: fmt.Sprintf("%d bytes", finalSize),
			Actual:   fmt.Sprintf("%d bytes", finalHash.Bytes()),
		}
	}
	if digest := finalHash.HexDigest(); digest != finalSha1 {
		return &workspace.IntegrityError{Path: path, Stage: "final", Expected: finalSha1, Actual: digest}
	}

	exe := false
	switch o := op.(type) {
	case *metadata.Add:
		exe = o.Exe
	case *metadata.Patch:
		exe = o.Exe
	}
	committed = true
	return a.ws.CommitStaging(staging, path, exe)
}

func (a *applier) openStaging(path string) (*os.File, error) {
	staging, err := a.ws.OpenStaging(path)
	if err == nil {
		return staging, nil
	}
	var fsErr *workspace.FilesystemError
	if !errors.As(err, &fsErr) {
		return nil, err
	}
	log.Warnf("retrying staging open for %s: %v", path, err)
	return a.ws.OpenStaging(path)
}

// copyOutput streams decoded bytes to the staging file while hashing them,
// reporting input/output deltas to the progress tracker as they happen.
func (a *applier) copyOutput(ctx context.Context, path string, staging *os.File, output io.Reader, finalHash, dataHash *integrity.Absorber) error {
	buf := make([]byte, chunkSize)
	lastInput := dataHash.Bytes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := output.Read(buf)
		if n > 0 {
			if _, werr := staging.Write(buf[:n]); werr != nil {
				return &workspace.FilesystemError{Path: staging.Name(), Kind: "write", Err: werr}
			}
			finalHash.Write(buf[:n])
			input := dataHash.Bytes()
			a.tracker.AppliedBytes(input-lastInput, uint64(n))
			lastInput = input
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || isNetworkError(err) {
				return err
			}
			// A decoder that chokes on its input is corrupt data, not a
			// pipeline fault; the operation fails and recovery takes over.
			return &workspace.IntegrityError{Path: path, Stage: "data", Expected: "decodable stream", Actual: err.Error()}
		}
	}
}

func isNetworkError(err error) bool {
	var netErr *repository.NetworkError
	return errors.As(err, &netErr)
}
