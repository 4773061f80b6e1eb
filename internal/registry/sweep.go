package registry

import (
	"context"
	"time"

	"sessiond/internal/session"
)

// DefaultSweepInterval is the period of [Registry.RunSweeper].
const DefaultSweepInterval = 10 * time.Second

// SweepDead probes every session and removes those whose peer is gone.
// Sessions busy with an exchange are skipped: they are evidently
// alive.  Concurrent calls run one after the other.
func (r *Registry) SweepDead() []int {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	r.mu.Lock()
	candidates := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	var dead []int
	for _, s := range candidates {
		if !s.TryLockIO() {
			continue
		}
		err := s.Probe()
		s.UnlockIO()
		if err != nil {
			r.logger.Debug("session #%d failed liveness probe: %v", s.ID, err)
			dead = append(dead, s.ID)
		}
	}

	for _, id := range dead {
		if r.Remove(id) {
			r.logger.Info("session #%d is no longer reachable, removed", id)
		}
	}
	r.metrics.SweepCompleted(len(dead))
	return dead
}

// RunSweeper calls SweepDead every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			r.SweepDead()
		}
	}
}
