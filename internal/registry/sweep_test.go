package registry

import (
	"context"
	"testing"
	"time"

	"sessiond/internal/metrics"
	"sessiond/util"
)

func TestSweepDead_RemovesClosedPeers(t *testing.T) {
	m := metrics.New()
	r := New(util.Discard(), WithMetrics(m))
	alive, _ := admitPipe(t, r, "a:1")
	gone, peer := admitPipe(t, r, "b:1")
	peer.Close()

	removed := r.SweepDead()
	if len(removed) != 1 || removed[0] != gone {
		t.Fatalf("removed = %v, want [%d]", removed, gone)
	}
	if _, ok := r.Get(alive); !ok {
		t.Error("live session was swept")
	}
	if m.Sweeps() != 1 {
		t.Errorf("sweeps metric = %d, want 1", m.Sweeps())
	}
}

func TestSweepDead_SkipsBusySessions(t *testing.T) {
	r := New(util.Discard())
	id, peer := admitPipe(t, r, "a:1")
	peer.Close()

	s, _ := r.Get(id)
	s.LockIO()
	if removed := r.SweepDead(); len(removed) != 0 {
		t.Errorf("busy session swept: %v", removed)
	}
	s.UnlockIO()

	if removed := r.SweepDead(); len(removed) != 1 {
		t.Errorf("idle dead session not swept: %v", removed)
	}
}

func TestRunSweeper(t *testing.T) {
	r := New(util.Discard())
	_, peer := admitPipe(t, r, "a:1")
	peer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Count() != 0 {
		t.Error("sweeper did not remove the dead session")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not stop on cancel")
	}
}
