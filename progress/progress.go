// Package progress aggregates update counters and dispatches them to a
// single observer callback at a bounded rate.
package progress

import (
	"math"
	"sync"
	"time"
)

// Stage of the update lifecycle, carried in every snapshot.
type Stage string

const (
	StageIdle Stage = "idle"
	StageSearching Stage = "searching"
	StageUpdating Stage = "updating"
	StageRepairing Stage = "repairing"
	StageUptodate Stage = "uptodate"
	StageFailed Stage = "failed"
	StageCancelled Stage = "cancelled"
)

// Counter is a monotonic pair: how much is done and how much the plan calls
// for in total.
type Counter struct {
	Done  uint64
	Total uint64
}

// Snapshot is the value handed to the observer callback. Counters never
// decrease over the lifetime of a run.
type Snapshot struct {
	Stage Stage
	Goal  string

	Packages           Counter
	DownloadedFiles    Counter
	AppliedFiles       Counter
	DownloadedBytes    Counter
	AppliedInputBytes  Counter
	AppliedOutputBytes Counter
	FailedFiles        uint64

	// Bytes per second, exponentially weighted over a one second window.
	DownloadRate float64
	ApplyRate    float64
}

// Callback observes snapshots. Returning false requests cancellation of the
// run. Never invoked concurrently.
type Callback func(Snapshot) bool

const (
	minDispatchInterval = 100 * time.Millisecond
	rateWindow          = time.Second
)

// Tracker accumulates counters from the downloader and applier tasks and
// throttles callback dispatch. Terminal transitions always dispatch.
type Tracker struct {
	mu           sync.Mutex
	snap         Snapshot
	callback     Callback
	cancel       func()
	lastDispatch time.Time
	downloadRate ewma
	applyRate    ewma
	now          func() time.Time
}

func NewTracker(callback Callback, cancel func()) *Tracker {
	return &Tracker{
		callback: callback,
		cancel:   cancel,
		now:      time.Now,
	}
}

// BindCancel wires the function invoked when the callback asks to stop.
func (t *Tracker) BindCancel(cancel func()) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
}

// SetObjective fixes the plan totals before the pipeline starts.
func (t *Tracker) SetObjective(goal string, packages, files, downloadBytes, inputBytes, outputBytes uint64) {
	t.mu.Lock()
	t.snap.Goal = goal
	t.snap.Packages.Total = packages
	t.snap.DownloadedFiles.Total = files
	t.snap.AppliedFiles.Total = files
	t.snap.DownloadedBytes.Total = downloadBytes
	t.snap.AppliedInputBytes.Total = inputBytes
	t.snap.AppliedOutputBytes.Total = outputBytes
	t.mu.Unlock()
}

// SetStage transitions the lifecycle stage. Terminal stages force a dispatch.
func (t *Tracker) SetStage(stage Stage) {
	t.mu.Lock()
	t.snap.Stage = stage
	terminal := stage == StageUptodate || stage == StageFailed || stage == StageCancelled
	t.dispatchLocked(terminal)
	t.mu.Unlock()
}

func (t *Tracker) PackageDone() {
	t.mu.Lock()
	t.snap.Packages.Done++
	t.dispatchLocked(false)
	t.mu.Unlock()
}

func (t *Tracker) DownloadedBytes(n uint64) {
	t.mu.Lock()
	t.snap.DownloadedBytes.Done += n
	t.downloadRate.add(n, t.now())
	t.dispatchLocked(false)
	t.mu.Unlock()
}

func (t *Tracker) DownloadedFile() {
	t.mu.Lock()
	t.snap.DownloadedFiles.Done++
	t.dispatchLocked(false)
	t.mu.Unlock()
}

func (t *Tracker) AppliedBytes(input, output uint64) {
	t.mu.Lock()
	t.snap.AppliedInputBytes.Done += input
	t.snap.AppliedOutputBytes.Done += output
	t.applyRate.add(output, t.now())
	t.dispatchLocked(false)
	t.mu.Unlock()
}

func (t *Tracker) AppliedFile() {
	t.mu.Lock()
	t.snap.AppliedFiles.Done++
	t.dispatchLocked(false)
	t.mu.Unlock()
}

func (t *Tracker) FailedFile() {
	t.mu.Lock()
	t.snap.FailedFiles++
	t.dispatchLocked(false)
	t.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := t.snap
	now := t.now()
	snap.DownloadRate = t.downloadRate.value(now)
	snap.ApplyRate = t.applyRate.value(now)
	return snap
}

// dispatchLocked invokes the callback if the throttle window elapsed or the
// event is terminal. The callback runs under the tracker lock, which is what
// guarantees it is never invoked concurrently.
func (t *Tracker) dispatchLocked(force bool) {
	if t.callback == nil {
		return
	}
	now := t.now()
	if !force && now.Sub(t.lastDispatch) < minDispatchInterval {
		return
	}
	t.lastDispatch = now
	if !t.callback(t.snapshotLocked()) && t.cancel != nil {
		t.cancel()
	}
}

// ewma is a decaying byte rate over the configured window.
type ewma struct {
	rate    float64
	pending uint64
	last    time.Time
}

func (e *ewma) add(n uint64, now time.Time) {
	if e.last.IsZero() {
		e.last = now
		e.pending = n
		return
	}
	dt := now.Sub(e.last)
	if dt <= 0 {
		e.pending += n
		return
	}
	instant := float64(e.pending+n) / dt.Seconds()
	weight := math.Exp(-dt.Seconds() / rateWindow.Seconds())
	e.rate = weight*e.rate + (1-weight)*instant
	e.pending = 0
	e.last = now
}

func (e *ewma) value(now time.Time) float64 {
	if e.last.IsZero() {
		return 0
	}
	dt := now.Sub(e.last)
	if dt <= 0 {
		return e.rate
	}
	// Decay toward zero while no bytes arrive.
	return e.rate * math.Exp(-dt.Seconds()/rateWindow.Seconds())
}
