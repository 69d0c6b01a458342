package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestReaperRemovesCompletedTasks(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	defer tr.Shutdown()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := &atomic.Bool{}
	tr.Add(&Task{JobID: "j1", Done: done, Cancel: cancel})

	if tr.Count() != 1 {
		t.Fatalf("expected 1 tracked task, got %d", tr.Count())
	}

	done.Store(true)

	deadline := time.Now().Add(reapInterval + 2*time.Second)
	for time.Now().Before(deadline) {
		if tr.Count() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("reaper did not remove completed task in time, count=%d", tr.Count())
}

func TestShutdownWaitsForDoneTasks(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	done := &atomic.Bool{}
	tr.Add(&Task{JobID: "j3", Done: done, Cancel: func() {}})

	go func() {
		time.Sleep(100 * time.Millisecond)
		done.Store(true)
	}()

	start := time.Now()
	tr.Shutdown()
	if time.Since(start) > shutdownGrace {
		t.Fatalf("shutdown took longer than grace period: %v", time.Since(start))
	}
}
