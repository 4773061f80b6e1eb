package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sessiond/internal/auth"
	"sessiond/internal/plugin"
	"sessiond/internal/transport"
	"sessiond/util"
)

const (
	DefaultRotationSchedule = "@every 1h"
	DefaultRotationLength   = 12
)

// Rotation replaces the shared secret on a cron schedule and on demand.
// Handshakes that already compared their credential are unaffected.
type Rotation struct {
	Secret   *auth.Secret
	Schedule string // cron spec or descriptor; default "@every 1h"
	Length   int    // default 12
	Logger   *util.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	last    time.Time
	rotated int
}

func (p *Rotation) Name() string        { return "rotation" }
func (p *Rotation) Description() string { return "rotate the shared secret on a schedule" }

func (p *Rotation) schedule() string {
	if p.Schedule == "" {
		return DefaultRotationSchedule
	}
	return p.Schedule
}

func (p *Rotation) OnRegister(context.Context, transport.Transport) (transport.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := cron.New()
	id, err := c.AddFunc(p.schedule(), func() {
		if _, err := p.Rotate(); err != nil {
			p.Logger.Error("scheduled rotation: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", p.schedule(), err)
	}
	c.Start()
	p.cron, p.entry = c, id
	p.Logger.Info("secret rotation scheduled (%s)", p.schedule())
	return nil, nil
}

func (p *Rotation) OnDeregister(ctx context.Context, _ transport.Transport) (transport.Transport, error) {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return nil, nil
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.Logger.Info("secret rotation stopped")
	return nil, nil
}

// Rotate installs a fresh random secret and returns it.
func (p *Rotation) Rotate() (string, error) {
	n := p.Length
	if n <= 0 {
		n = DefaultRotationLength
	}
	v, err := auth.Generate(n)
	if err != nil {
		return "", err
	}
	p.Secret.Set(v)

	p.mu.Lock()
	p.last = time.Now()
	p.rotated++
	p.mu.Unlock()
	p.Logger.Info("shared secret rotated")
	return v, nil
}

func (p *Rotation) OnCommand(_ context.Context, cmd *plugin.Command) (bool, error) {
	if cmd.Verb() != "rotate" {
		return false, nil
	}
	args := cmd.Args()
	switch {
	case len(args) == 1 && args[0] == "now":
		v, err := p.Rotate()
		if err != nil {
			cmd.Reply("Rotation failed: %v", err)
			break
		}
		cmd.Reply("Password rotated. New password: %s", v)
	case len(args) == 0 || (len(args) == 1 && args[0] == "status"):
		p.mu.Lock()
		c, entry, last, rotated := p.cron, p.entry, p.last, p.rotated
		p.mu.Unlock()

		cmd.Reply("Schedule: %s", p.schedule())
		cmd.Reply("Rotations: %d", rotated)
		if !last.IsZero() {
			cmd.Reply("Last rotation: %s", last.Format(time.RFC3339))
		}
		if c != nil {
			cmd.Reply("Next rotation: %s", c.Entry(entry).Next.Format(time.RFC3339))
		}
	default:
		cmd.Reply("Usage: rotate [now|status]")
	}
	return true, nil
}
