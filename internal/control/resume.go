package control

import (
	"math/rand"
	"sync"
	"time"
)

const (
	resumeJitterMin = 450 * time.Millisecond
	resumeJitterMax = 900 * time.Millisecond
)

// resumeJitter spreads mass resumes so a burst does not spawn every
// subprocess in the same instant.
func resumeJitter() time.Duration {
	return resumeJitterMin + time.Duration(rand.Int63n(int64(resumeJitterMax-resumeJitterMin)+1))
}

// resumeScheduler holds at most one pending auto-run per task, revocable
// until it fires.
type resumeScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newResumeScheduler() *resumeScheduler {
	return &resumeScheduler{timers: make(map[string]*time.Timer)}
}

// schedule replaces any pending auto-run for the task.
func (s *resumeScheduler) schedule(taskID string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
	}
	s.timers[taskID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, taskID)
		s.mu.Unlock()
		fn()
	})
}

// cancel revokes a pending auto-run. No-op if none is scheduled.
func (s *resumeScheduler) cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
}

// stopLedger marks exits that a stop operation has already finalized, so the
// supervisor's exit callback does not overwrite the stop's status decision.
type stopLedger struct {
	mu    sync.Mutex
	modes map[string]string
}

func newStopLedger() *stopLedger {
	return &stopLedger{modes: make(map[string]string)}
}

func (l *stopLedger) expect(taskID, mode string) {
	l.mu.Lock()
	l.modes[taskID] = mode
	l.mu.Unlock()
}

// claim consumes the expectation, returning the stop mode that owned it.
func (l *stopLedger) claim(taskID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	mode, ok := l.modes[taskID]
	if ok {
		delete(l.modes, taskID)
	}
	return mode, ok
}
