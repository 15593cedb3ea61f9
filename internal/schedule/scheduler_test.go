package schedule

import (
	"sync"
	"testing"
	"time"
)

// fakeTimer records installs and lets tests fire countdowns by hand.
type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
	mu      sync.Mutex
}

func (f *fakeTimer) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.stopped
	f.stopped = true
	return !was
}

func (f *fakeTimer) fire() {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if !stopped {
		f.fn()
	}
}

type fakeClock struct {
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) scheduler() *Scheduler {
	return NewWithClock(
		func() time.Time { return c.now },
		func(d time.Duration, fn func()) Handle {
			t := &fakeTimer{d: d, fn: fn}
			c.timers = append(c.timers, t)
			return t
		},
	)
}

func TestArmInstallsCountdown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := clock.scheduler()

	fired := false
	s.Arm(KindDeadline, "issue-1", clock.now.Add(time.Hour), func() { fired = true })
	if !s.Armed(KindDeadline, "issue-1") {
		t.Fatalf("countdown should be armed")
	}
	if got := clock.timers[0].d; got != time.Hour {
		t.Fatalf("expected 1h countdown, got %v", got)
	}

	clock.timers[0].fire()
	if !fired {
		t.Fatalf("callback should run on fire")
	}
	if s.Armed(KindDeadline, "issue-1") {
		t.Fatalf("fired countdown should remove its own entry")
	}
}

func TestArmSupersedesPrevious(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := clock.scheduler()

	var firedFirst, firedSecond bool
	s.Arm(KindDeadline, "issue-1", clock.now.Add(time.Hour), func() { firedFirst = true })
	s.Arm(KindDeadline, "issue-1", clock.now.Add(2*time.Hour), func() { firedSecond = true })

	if !clock.timers[0].stopped {
		t.Fatalf("first handle should be stopped by the second Arm")
	}
	clock.timers[0].fire()
	if firedFirst {
		t.Fatalf("superseded countdown must not fire")
	}
	clock.timers[1].fire()
	if !firedSecond {
		t.Fatalf("newest countdown should fire")
	}
}

func TestKindsAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := clock.scheduler()

	s.Arm(KindDeadline, "issue-1", clock.now.Add(time.Hour), func() {})
	s.Arm(KindStart, "issue-1", clock.now.Add(time.Minute), func() {})
	if clock.timers[0].stopped || clock.timers[1].stopped {
		t.Fatalf("countdowns of different kinds must not supersede each other")
	}

	s.Cancel(KindStart, "issue-1")
	if !clock.timers[1].stopped {
		t.Fatalf("cancel should stop the start countdown")
	}
	if !s.Armed(KindDeadline, "issue-1") {
		t.Fatalf("deadline countdown should survive a start cancel")
	}
}

func TestPastInstantClampsToZero(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := clock.scheduler()

	s.Arm(KindDeadline, "issue-1", clock.now.Add(-time.Hour), func() {})
	if got := clock.timers[0].d; got != 0 {
		t.Fatalf("past instant should clamp to zero, got %v", got)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := clock.scheduler()

	s.Arm(KindDeadline, "a", clock.now.Add(time.Hour), func() {})
	s.Arm(KindStart, "b", clock.now.Add(time.Hour), func() {})
	s.Shutdown()
	for i, timer := range clock.timers {
		if !timer.stopped {
			t.Fatalf("timer %d should be stopped", i)
		}
	}
	if s.Armed(KindDeadline, "a") || s.Armed(KindStart, "b") {
		t.Fatalf("no countdown should remain after shutdown")
	}
}

func TestFiredStaleHandleLeavesNewerEntry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := clock.scheduler()

	s.Arm(KindDeadline, "issue-1", clock.now.Add(time.Hour), func() {})
	stale := clock.timers[0]
	s.Arm(KindDeadline, "issue-1", clock.now.Add(2*time.Hour), func() {})

	// A stale callback running late must not evict the newer handle.
	stale.stopped = false
	stale.fire()
	if !s.Armed(KindDeadline, "issue-1") {
		t.Fatalf("newer countdown should still be armed")
	}
}
