// Package update drives the three stage pipeline: plan a package sequence,
// stream and apply each package with two cooperating tasks, and repair
// whatever failed integrity checking.
package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"

	"drift/helper/timer"
	"drift/metadata"
	"drift/planner"
	"drift/progress"
	"drift/repository"
	"drift/workspace"
)

// Options tunes one update run.
type Options struct {
	// Check re-verifies files the plan would otherwise skip.
	Check bool
	// BufferSize bounds the bytes in flight between downloader and applier.
	BufferSize int
	// SaveStateInterval drives the periodic state flush that records the
	// download position between operation commits.
	SaveStateInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		BufferSize:        DefaultBufferSize,
		SaveStateInterval: 5 * time.Second,
	}
}

// FailedError reports an update that finished with unrepaired files.
type FailedError struct {
	Files int
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("update failed for %d files", e.Files)
}

// UnrecoverableError lists paths no package in the repository can repair.
type UnrecoverableError struct {
	Paths []string
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("%d unrecoverable paths: %v", len(e.Paths), e.Paths)
}

// Updater owns the staging directory and the state file for the duration of
// a run.
type Updater struct {
	ws      *workspace.Workspace
	repo    repository.Repository
	tracker *progress.Tracker
	opts    Options

	mu sync.Mutex
	st *workspace.State
}

func New(ws *workspace.Workspace, repo repository.Repository, tracker *progress.Tracker, opts Options) *Updater {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.SaveStateInterval <= 0 {
		opts.SaveStateInterval = DefaultOptions().SaveStateInterval
	}
	if tracker == nil {
		tracker = progress.NewTracker(nil, nil)
	}
	return &Updater{ws: ws, repo: repo, tracker: tracker, opts: opts}
}

// Update synchronizes the workspace with the goal revision. An empty goal
// follows the repository's current pointer.
func (u *Updater) Update(ctx context.Context, goal string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	u.tracker.BindCancel(cancel)

	if err := u.ws.Lock(); err != nil {
		return err
	}
	defer u.ws.Unlock()

	st, err := u.ws.LoadState()
	if err != nil {
		return err
	}
	u.st = st

	if goal == "" {
		current, err := u.repo.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		goal = current.Current.Revision
	}
	log.Infof("updating %s to %s", u.ws.Root(), goal)
	u.tracker.SetStage(progress.StageSearching)

	packages, err := u.repo.Packages(ctx)
	if err != nil {
		return err
	}

	checkOnly, err := u.preparePlan(st, goal, packages.Packages)
	if err != nil {
		return u.finish(err)
	}

	metas, err := u.loadPlanMetadata(ctx, st.Update.Packages)
	if err != nil {
		return u.finish(err)
	}
	if err := metadata.ValidateAgreement(metas); err != nil {
		return u.finish(err)
	}

	u.setObjective(goal, metas, checkOnly)
	u.tracker.SetStage(progress.StageUpdating)

	if err := u.runPlan(ctx, metas, checkOnly); err != nil {
		return u.finish(err)
	}

	if u.opts.Check && !checkOnly {
		if err := u.verifyGoal(ctx, goal, packages.Packages); err != nil {
			return u.finish(err)
		}
	}

	u.mu.Lock()
	failed := len(st.Update.Failures)
	u.mu.Unlock()
	if failed > 0 {
		if err := u.repair(ctx); err != nil {
			return u.finish(err)
		}
	}
	return u.finish(nil)
}

// preparePlan decides between resuming the recorded plan and computing a
// fresh one. It returns whether the run is check-only (src == dst).
func (u *Updater) preparePlan(st *workspace.State, goal string, available []metadata.Package) (bool, error) {
	if st.Status == workspace.StatusUpdating && st.Update != nil &&
		st.Update.Goal == goal && planStillValid(st.Update.Packages, available) {
		log.Infof("resuming update at package %d operation %d",
			st.Update.Applied.Package, st.Update.Applied.Operation)
		st.Update.DedupFailures()
		return false, nil
	}

	src := ""
	var carried []workspace.Failure
	switch st.Status {
	case workspace.StatusStable:
		src = st.Revision
	case workspace.StatusCorrupted:
		src = st.Revision
		carried = st.Failures
	case workspace.StatusUpdating:
		// The repository no longer offers the recorded plan; restart from the
		// last verified revision.
		log.Warnf("recorded plan is no longer offered by the repository, restarting")
		src = st.Revision
		if st.Update != nil {
			st.Update.DedupFailures()
			carried = append(carried, st.Update.Failures...)
		}
	}

	checkOnly := src == goal
	var plan []metadata.Package
	if checkOnly {
		// Nothing to transfer; verify the goal revision against the cheapest
		// package that describes it.
		pkg := cheapestTo(goal, available)
		if pkg == nil {
			return false, &planner.NoPathError{From: src, To: goal}
		}
		plan = []metadata.Package{*pkg}
	} else {
		var err error
		plan, err = planner.Plan(src, goal, available)
		if err != nil {
			return false, err
		}
	}

	names := make([]string, len(plan))
	for i := range plan {
		names[i] = plan[i].DataName()
	}
	log.Infof("found update path %v", names)

	st.Status = workspace.StatusUpdating
	st.Update = &workspace.Update{From: src, Goal: goal, Packages: plan, Failures: carried}
	st.Failures = nil
	return checkOnly, u.ws.SaveState(st)
}

func cheapestTo(goal string, packages []metadata.Package) *metadata.Package {
	var best *metadata.Package
	for i := range packages {
		p := &packages[i]
		if p.To != goal {
			continue
		}
		if best == nil || p.Size < best.Size ||
			(p.Size == best.Size && p.DataName() < best.DataName()) {
			best = p
		}
	}
	return best
}

// planStillValid checks every planned package is still offered unchanged.
func planStillValid(planned, available []metadata.Package) bool {
	for _, p := range planned {
		found := false
		for _, a := range available {
			if a == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (u *Updater) loadPlanMetadata(ctx context.Context, plan []metadata.Package) ([]*metadata.PackageMetadata, error) {
	metas := make([]*metadata.PackageMetadata, len(plan))
	for i := range plan {
		m, err := u.repo.PackageMetadata(ctx, &plan[i])
		if err != nil {
			return nil, err
		}
		metas[i] = m
	}
	return metas, nil
}

func (u *Updater) setObjective(goal string, metas []*metadata.PackageMetadata, checkOnly bool) {
	var files, downloadBytes, inputBytes, outputBytes uint64
	for _, m := range metas {
		ops := m.Operations
		if checkOnly {
			continue
		}
		start, end := dataWindow(ops)
		downloadBytes += end - start
		for _, op := range ops {
			if d, ok := op.(metadata.DataOperation); ok {
				_, size := d.DataRange()
				finalSize, _ := d.FinalState()
				files++
				inputBytes += uint64(size)
				outputBytes += uint64(finalSize)
			}
		}
	}
	u.tracker.SetObjective(goal, uint64(len(metas)), files, downloadBytes, inputBytes, outputBytes)
}

// runPlan executes the planned packages in order from the recorded cursor.
func (u *Updater) runPlan(ctx context.Context, metas []*metadata.PackageMetadata, checkOnly bool) error {
	saveCtx, stopSaver := context.WithCancel(ctx)
	var saver sync.WaitGroup
	saver.Add(1)
	go func() {
		defer saver.Done()
		interval := &timer.Interval{Duration: u.opts.SaveStateInterval, Jitter: u.opts.SaveStateInterval / 10}
		_ = timer.RunWithTicker(saveCtx, interval, func(context.Context) error {
			return u.saveState()
		})
	}()
	defer func() {
		stopSaver()
		saver.Wait()
	}()

	u.mu.Lock()
	startPkg := u.st.Update.Applied.Package
	u.mu.Unlock()
	for i := startPkg; i < len(metas); i++ {
		if err := u.runPackage(ctx, i, metas[i], checkOnly); err != nil {
			// Flush the cursor before surfacing the abort.
			_ = u.saveState()
			return err
		}
		u.mu.Lock()
		u.st.Update.Applied = workspace.Position{Package: i + 1}
		u.st.Update.Downloaded = u.st.Update.Applied
		u.mu.Unlock()
		if err := u.saveState(); err != nil {
			return err
		}
		u.tracker.PackageDone()
	}
	return nil
}

// dataWindow is the byte span of the package binary covered by the data
// slices of ops.
func dataWindow(ops []metadata.Operation) (uint64, uint64) {
	var start, end uint64
	first := true
	for _, op := range ops {
		d, ok := op.(metadata.DataOperation)
		if !ok {
			continue
		}
		offset, size := d.DataRange()
		if first {
			start = uint64(offset)
			first = false
		}
		end = uint64(offset) + uint64(size)
	}
	return start, end
}

// runPackage runs the downloader and applier as two tasks joined by the
// bounded pipe. Within the package, operations apply strictly in metadata
// order; the pipe's flow control is the only coupling between the tasks.
func (u *Updater) runPackage(ctx context.Context, pkgIdx int, meta *metadata.PackageMetadata, checkOnly bool) error {
	ops := meta.Operations
	if checkOnly {
		converted := make([]metadata.Operation, 0, len(ops))
		for _, op := range ops {
			if c := metadata.AsCheck(op); c != nil {
				converted = append(converted, c)
			}
		}
		ops = converted
	}

	u.mu.Lock()
	startOp := 0
	if u.st.Update.Applied.Package == pkgIdx {
		startOp = u.st.Update.Applied.Operation
	}
	u.mu.Unlock()
	if startOp >= len(ops) {
		return nil
	}
	log.Debugf("begin package %s, operation %d", meta.Package.DataName(), startOp)

	start, end := dataWindow(ops[startOp:])

	g, gctx := errgroup.WithContext(ctx)
	pipe := newPipe(gctx, u.opts.BufferSize)
	stream := &offsetReader{r: pipe, pos: start}

	if end > start {
		dl := newDownloader(u.repo, u.tracker)
		dl.note = func(offset uint64) {
			u.mu.Lock()
			u.st.Update.Downloaded = workspace.Position{Package: pkgIdx, Byte: metadata.ByteCount(offset)}
			u.mu.Unlock()
		}
		g.Go(func() error {
			err := dl.run(gctx, meta.Package.DataName(), start, end-start, pipe)
			pipe.CloseWrite(err)
			return err
		})
	} else {
		pipe.CloseWrite(nil)
	}

	ap := &applier{
		ws:      u.ws,
		tracker: u.tracker,
		stream:  stream,
		record: func(f workspace.Failure) {
			u.mu.Lock()
			u.st.Update.Failures = append(u.st.Update.Failures, f)
			u.mu.Unlock()
		},
		commit: func(opIdx int) error {
			u.mu.Lock()
			u.st.Update.Applied = workspace.Position{Package: pkgIdx, Operation: opIdx}
			u.mu.Unlock()
			return u.saveState()
		},
	}
	g.Go(func() error {
		return ap.run(gctx, ops, startOp)
	})

	return g.Wait()
}

// verifyGoal re-checks every file the goal revision describes, beyond what
// the plan itself touched. Failures feed the repair stage like any other.
func (u *Updater) verifyGoal(ctx context.Context, goal string, available []metadata.Package) error {
	pkg := cheapestTo(goal, available)
	if pkg == nil {
		return nil
	}
	meta, err := u.repo.PackageMetadata(ctx, pkg)
	if err != nil {
		return err
	}
	var checks []metadata.Operation
	for _, op := range meta.Operations {
		if c := metadata.AsCheck(op); c != nil {
			checks = append(checks, c)
		}
	}

	drained := newPipe(ctx, chunkSize)
	drained.CloseWrite(nil)
	ap := &applier{
		ws:      u.ws,
		tracker: u.tracker,
		stream:  &offsetReader{r: drained},
		record: func(f workspace.Failure) {
			u.mu.Lock()
			u.st.Update.Failures = append(u.st.Update.Failures, f)
			u.mu.Unlock()
		},
		commit: func(int) error { return nil },
	}
	return ap.run(ctx, checks, 0)
}

func (u *Updater) saveState() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ws.SaveState(u.st)
}

// finish commits the terminal state: stable on success, the in-progress block
// kept for resumption otherwise.
func (u *Updater) finish(runErr error) error {
	u.mu.Lock()
	st := u.st
	if runErr == nil && st.Update != nil && len(st.Update.Failures) == 0 {
		st.Status = workspace.StatusStable
		st.Revision = st.Update.Goal
		st.Update = nil
		st.Failures = nil
	} else if runErr == nil && st.Update != nil {
		runErr = &FailedError{Files: len(st.Update.Failures)}
	}
	saveErr := u.ws.SaveState(st)
	u.mu.Unlock()

	switch {
	case errors.Is(runErr, context.Canceled):
		u.tracker.SetStage(progress.StageCancelled)
	case runErr != nil:
		u.tracker.SetStage(progress.StageFailed)
	default:
		u.tracker.SetStage(progress.StageUptodate)
		log.Infof("update to %s succeeded", st.Revision)
	}
	if runErr != nil {
		return runErr
	}
	return saveErr
}
