// Package jobs implements the Job Tracker (spec.md §4.D): a monitor
// owning the collection of live background tasks, a periodic reaper,
// and a bounded-grace shutdown.
package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	reapInterval  = 3 * time.Second
	shutdownGrace = 30 * time.Second
)

// Task is a live background job as seen by the tracker: the cancel
// function for its context, and the flag it sets on exit. The flag is
// the single source of truth for liveness (spec.md §4.D invariant).
type Task struct {
	JobID  string
	Done   *atomic.Bool
	Cancel context.CancelFunc
}

// Tracker owns the mutex-guarded live-task collection described in
// spec.md §5 ("Job tracker collection — guarded by a mutex; only
// add/reap mutate").
type Tracker struct {
	log *zap.Logger

	mu    sync.Mutex
	tasks map[string]*Task

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewTracker starts the background reaper immediately.
func NewTracker(log *zap.Logger) *Tracker {
	t := &Tracker{
		log:        log,
		tasks:      map[string]*Task{},
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go t.reap()
	return t
}

// Add registers an in-flight task. The tracker never drops it until
// task.Done.Load() is true (spec.md §4.D invariant).
func (t *Tracker) Add(task *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[task.JobID] = task
}

// Count returns the number of tracked in-flight tasks (diagnostics/tests).
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

func (t *Tracker) reap() {
	defer close(t.reaperDone)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.reapOnce()
		case <-t.stopReaper:
			return
		}
	}
}

func (t *Tracker) reapOnce() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, task := range t.tasks {
		if task.Done.Load() {
			delete(t.tasks, id)
		}
	}
}

// Shutdown signals cancellation to all tasks, waits up to shutdownGrace
// for them to finish, then abandons any that remain (best-effort;
// spec.md §5 leaves their spool status at "running").
func (t *Tracker) Shutdown() {
	close(t.stopReaper)
	<-t.reaperDone

	t.mu.Lock()
	remaining := make([]*Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		if task.Cancel != nil {
			task.Cancel()
		}
		remaining = append(remaining, task)
	}
	t.mu.Unlock()

	deadline := time.After(shutdownGrace)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if t.allDone(remaining) {
			t.reapOnce()
			return
		}
		select {
		case <-deadline:
			t.log.Warn("shutdown grace period expired, abandoning running jobs", zap.Int("remaining", t.countUndone(remaining)))
			return
		case <-tick.C:
		}
	}
}

func (t *Tracker) allDone(tasks []*Task) bool {
	for _, task := range tasks {
		if !task.Done.Load() {
			return false
		}
	}
	return true
}

func (t *Tracker) countUndone(tasks []*Task) int {
	n := 0
	for _, task := range tasks {
		if !task.Done.Load() {
			n++
		}
	}
	return n
}
