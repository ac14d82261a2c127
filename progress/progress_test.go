package progress

import (
	"testing"
	"time"
)

// fakeClock lets tests step time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestTracker(cb Callback, cancel func()) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tracker := NewTracker(cb, cancel)
	tracker.now = clock.now
	return tracker, clock
}

func TestCountersAreMonotonic(t *testing.T) {
	tracker, clock := newTestTracker(nil, nil)
	tracker.SetObjective("v1", 2, 10, 1000, 900, 2000)

	var last Snapshot
	check := func() {
		snap := tracker.Snapshot()
		if snap.DownloadedBytes.Done < last.DownloadedBytes.Done ||
			snap.AppliedFiles.Done < last.AppliedFiles.Done ||
			snap.Packages.Done < last.Packages.Done {
			t.Fatalf("counter went backwards: %+v after %+v", snap, last)
		}
		last = snap
	}

	for i := 0; i < 10; i++ {
		tracker.DownloadedBytes(100)
		check()
		tracker.AppliedBytes(90, 200)
		check()
		tracker.AppliedFile()
		check()
		clock.advance(50 * time.Millisecond)
	}
	tracker.PackageDone()
	check()
	if last.Packages.Done != 1 || last.AppliedFiles.Done != 10 {
		t.Fatalf("unexpected totals %+v", last)
	}
}

func TestCallbackThrottled(t *testing.T) {
	calls := 0
	tracker, clock := newTestTracker(func(Snapshot) bool {
		calls++
		return true
	}, nil)

	// 20 updates in a 10 ms span: first dispatches, the rest are throttled.
	for i := 0; i < 20; i++ {
		tracker.DownloadedBytes(1)
		clock.advance(time.Millisecond / 2)
	}
	if calls != 1 {
		t.Fatalf("expected 1 dispatch inside the window, got %d", calls)
	}

	clock.advance(200 * time.Millisecond)
	tracker.DownloadedBytes(1)
	if calls != 2 {
		t.Fatalf("expected dispatch after window elapsed, got %d", calls)
	}
}

func TestTerminalStageAlwaysDispatches(t *testing.T) {
	var stages []Stage
	tracker, _ := newTestTracker(func(s Snapshot) bool {
		stages = append(stages, s.Stage)
		return true
	}, nil)

	tracker.DownloadedBytes(1) // consumes the throttle window
	tracker.SetStage(StageUptodate)
	if len(stages) != 2 || stages[1] != StageUptodate {
		t.Fatalf("terminal stage not dispatched: %v", stages)
	}
}

func TestCallbackFalseCancels(t *testing.T) {
	cancelled := false
	tracker, _ := newTestTracker(func(Snapshot) bool {
		return false
	}, func() {
		cancelled = true
	})

	tracker.DownloadedBytes(1)
	if !cancelled {
		t.Fatal("returning false did not cancel")
	}
}

func TestRatesDecayWhenIdle(t *testing.T) {
	tracker, clock := newTestTracker(nil, nil)
	for i := 0; i < 10; i++ {
		clock.advance(100 * time.Millisecond)
		tracker.DownloadedBytes(100_000)
	}
	busy := tracker.Snapshot().DownloadRate
	if busy <= 0 {
		t.Fatalf("expected positive rate, got %f", busy)
	}

	clock.advance(5 * time.Second)
	idle := tracker.Snapshot().DownloadRate
	if idle >= busy {
		t.Fatalf("rate did not decay: %f -> %f", busy, idle)
	}
}
