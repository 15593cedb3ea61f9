// Package schedule maintains, per issue and per event kind, at most one live
// countdown to a wall-clock instant. Re-arming supersedes any prior countdown
// for the same issue and kind: the old handle is always retired before the new
// one is installed, which makes Arm cheap and safe to call on every update
// that touches an issue's dates.
package schedule

import (
	"sync"
	"time"
)

// Kind names an event class. Each kind owns an independent handle registry.
type Kind string

const (
	KindDeadline Kind = "deadline"
	KindStart    Kind = "start"
)

// Handle cancels a pending countdown. *time.Timer satisfies it.
type Handle interface {
	Stop() bool
}

// Scheduler is an injected singleton owned by the composition root. One
// (map, lock) pair guards each kind's live handles.
type Scheduler struct {
	mu   sync.Mutex
	live map[Kind]map[string]Handle

	// now and after are injectable for tests; defaults are time.Now and
	// time.AfterFunc.
	now   func() time.Time
	after func(d time.Duration, fn func()) Handle
}

func New() *Scheduler {
	return &Scheduler{
		live: map[Kind]map[string]Handle{},
		now:  time.Now,
		after: func(d time.Duration, fn func()) Handle {
			return time.AfterFunc(d, fn)
		},
	}
}

// NewWithClock returns a Scheduler with the timer facility replaced; used by
// tests to drive countdowns deterministically.
func NewWithClock(now func() time.Time, after func(time.Duration, func()) Handle) *Scheduler {
	return &Scheduler{
		live:  map[Kind]map[string]Handle{},
		now:   now,
		after: after,
	}
}

// Arm installs a countdown for (kind, issueID) that fires fn at the given
// instant. Any existing handle for the pair is cancelled first, outside the
// lock; the fresh handle is installed under it. The newest request always
// supersedes the previous one.
func (s *Scheduler) Arm(kind Kind, issueID string, at time.Time, fn func()) {
	s.mu.Lock()
	old := s.kindMap(kind)[issueID]
	delete(s.kindMap(kind), issueID)
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var h Handle
	h = s.after(d, func() {
		// Remove our own entry before running the action; a newer handle
		// that replaced us stays untouched.
		s.mu.Lock()
		if s.kindMap(kind)[issueID] == h {
			delete(s.kindMap(kind), issueID)
		}
		s.mu.Unlock()
		fn()
	})
	s.kindMap(kind)[issueID] = h
}

// Cancel retires any pending countdown for (kind, issueID). Callers deleting
// an issue must cancel both kinds to avoid firing against a missing document.
func (s *Scheduler) Cancel(kind Kind, issueID string) {
	s.mu.Lock()
	h := s.kindMap(kind)[issueID]
	delete(s.kindMap(kind), issueID)
	s.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// Armed reports whether a countdown is live for (kind, issueID).
func (s *Scheduler) Armed(kind Kind, issueID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.kindMap(kind)[issueID]
	return ok
}

// Shutdown cancels every live countdown.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	var handles []Handle
	for _, m := range s.live {
		for id, h := range m {
			handles = append(handles, h)
			delete(m, id)
		}
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
}

func (s *Scheduler) kindMap(kind Kind) map[string]Handle {
	m, ok := s.live[kind]
	if !ok {
		m = map[string]Handle{}
		s.live[kind] = m
	}
	return m
}
