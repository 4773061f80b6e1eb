package plugin

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	srverr "sessiond/internal/errors"
	"sessiond/internal/metrics"
	"sessiond/internal/retry"
	"sessiond/internal/transport"
	"sessiond/util"
)

// Status is the outcome of Enable or Disable.
type Status int

const (
	Enabled Status = iota
	AlreadyEnabled
	Disabled
	AlreadyDisabled
)

func (s Status) String() string {
	switch s {
	case Enabled:
		return "enabled"
	case AlreadyEnabled:
		return "already enabled"
	case Disabled:
		return "disabled"
	case AlreadyDisabled:
		return "already disabled"
	}
	return "unknown"
}

// record is a catalog entry with its hooks resolved.
type record struct {
	plugin      Plugin
	registrar   Registrar
	deregistrar Deregistrar
	observer    AcceptObserver
	interceptor CommandInterceptor
	breaker     *retry.CircuitBreaker
	enabled     bool
}

// Info describes a catalog entry.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Breaker     string `json:"breaker"`
}

// Pipeline owns the plugin catalog, the enabled order and the current
// listening transport.
type Pipeline struct {
	toggle sync.Mutex // serializes Enable and Disable, hooks included

	mu        sync.RWMutex
	catalog   map[string]*record
	order     []string // enabled names, enable order
	current   transport.Transport
	breakerCf retry.CircuitBreakerConfig

	logger  *util.Logger
	metrics *metrics.Collector
}

// NewPipeline returns an empty pipeline whose transport starts as base.
func NewPipeline(base transport.Transport, logger *util.Logger, m *metrics.Collector) *Pipeline {
	if base == nil {
		base = transport.Plain{}
	}
	return &Pipeline{
		catalog:   make(map[string]*record),
		current:   base,
		breakerCf: retry.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: 30 * time.Second, HalfOpenMax: 1},
		logger:    logger,
		metrics:   m,
	}
}

// Register adds p to the catalog, disabled.
func (pl *Pipeline) Register(p Plugin) error {
	rec := &record{plugin: p}
	rec.registrar, _ = p.(Registrar)
	rec.deregistrar, _ = p.(Deregistrar)
	rec.observer, _ = p.(AcceptObserver)
	rec.interceptor, _ = p.(CommandInterceptor)

	name := p.Name()
	cfg := pl.breakerCf
	cfg.OnStateChange = func(from, to retry.State) {
		pl.logger.Warn("plugin %s: command hook circuit %s → %s", name, from, to)
	}
	rec.breaker = retry.NewCircuitBreaker(&cfg)

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if _, dup := pl.catalog[name]; dup {
		return fmt.Errorf("plugin %q registered twice", name)
	}
	pl.catalog[name] = rec
	return nil
}

// Enable turns on the named plugin and runs its register hook.  A hook
// failure is logged and treated as "no transport change"; the plugin
// still counts as enabled.
func (pl *Pipeline) Enable(ctx context.Context, name string) (Status, error) {
	pl.toggle.Lock()
	defer pl.toggle.Unlock()

	pl.mu.RLock()
	rec, ok := pl.catalog[name]
	current := pl.current
	pl.mu.RUnlock()
	if !ok {
		return 0, srverr.NotFound("plugin %q", name)
	}
	if rec.enabled {
		return AlreadyEnabled, nil
	}

	var hookErr error
	next := current
	if rec.registrar != nil {
		var t transport.Transport
		hookErr = pl.safely(name, "register", func() error {
			var err error
			t, err = rec.registrar.OnRegister(ctx, current)
			return err
		})
		if hookErr == nil && t != nil {
			next = t
		}
	}

	pl.mu.Lock()
	rec.enabled = true
	rec.breaker.Reset()
	pl.order = append(pl.order, name)
	pl.current = next
	pl.mu.Unlock()

	if next != current {
		pl.logger.Info("listening transport is now %s", transport.Describe(next))
	}
	pl.logger.Info("plugin %s enabled", name)
	return Enabled, hookErr
}

// Disable turns off the named plugin and runs its deregister hook.
func (pl *Pipeline) Disable(ctx context.Context, name string) (Status, error) {
	pl.toggle.Lock()
	defer pl.toggle.Unlock()

	pl.mu.RLock()
	rec, ok := pl.catalog[name]
	current := pl.current
	pl.mu.RUnlock()
	if !ok {
		return 0, srverr.NotFound("plugin %q", name)
	}
	if !rec.enabled {
		return AlreadyDisabled, nil
	}

	var hookErr error
	next := current
	if rec.deregistrar != nil {
		var t transport.Transport
		hookErr = pl.safely(name, "deregister", func() error {
			var err error
			t, err = rec.deregistrar.OnDeregister(ctx, current)
			return err
		})
		if hookErr == nil && t != nil {
			next = t
		}
	}

	pl.mu.Lock()
	rec.enabled = false
	for i, n := range pl.order {
		if n == name {
			pl.order = append(pl.order[:i:i], pl.order[i+1:]...)
			break
		}
	}
	pl.current = next
	pl.mu.Unlock()

	if next != current {
		pl.logger.Info("listening transport is now %s", transport.Describe(next))
	}
	pl.logger.Info("plugin %s disabled", name)
	return Disabled, hookErr
}

// DisableAll disables every enabled plugin, most recently enabled
// first, so wrapping transports unwind in order.
func (pl *Pipeline) DisableAll(ctx context.Context) {
	names := pl.Enabled()
	for i := len(names) - 1; i >= 0; i-- {
		if _, err := pl.Disable(ctx, names[i]); err != nil {
			pl.logger.Warn("disabling %s: %v", names[i], err)
		}
	}
}

// Transport returns the transport new connections are upgraded with.
func (pl *Pipeline) Transport() transport.Transport {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.current
}

// Enabled returns the enabled plugin names in enable order.
func (pl *Pipeline) Enabled() []string {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return append([]string(nil), pl.order...)
}

// Discovered lists the catalog sorted by name.
func (pl *Pipeline) Discovered() []Info {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	out := make([]Info, 0, len(pl.catalog))
	for name, rec := range pl.catalog {
		info := Info{Name: name, Enabled: rec.enabled, Breaker: rec.breaker.CurrentState().String()}
		if d, ok := rec.plugin.(Describer); ok {
			info.Description = d.Description()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the named plugin, enabled or not.
func (pl *Pipeline) Lookup(name string) (Plugin, bool) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	rec, ok := pl.catalog[name]
	if !ok {
		return nil, false
	}
	return rec.plugin, true
}

// IsEnabled reports whether name is enabled.
func (pl *Pipeline) IsEnabled(name string) bool {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	rec, ok := pl.catalog[name]
	return ok && rec.enabled
}

func (pl *Pipeline) enabledRecords() []*record {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	out := make([]*record, 0, len(pl.order))
	for _, n := range pl.order {
		out = append(out, pl.catalog[n])
	}
	return out
}

// NotifyAccepted runs every enabled accept observer.
func (pl *Pipeline) NotifyAccepted(conn net.Conn, remoteAddr string) {
	for _, rec := range pl.enabledRecords() {
		if rec.observer == nil {
			continue
		}
		pl.safely(rec.plugin.Name(), "accepted", func() error { //nolint:errcheck
			rec.observer.OnConnectionAccepted(conn, remoteAddr)
			return nil
		})
	}
}

// Intercept offers cmd to each enabled interceptor in enable order.
// The first one that returns true wins.  Failing or panicking hooks
// count as false and feed that plugin's circuit breaker.
func (pl *Pipeline) Intercept(ctx context.Context, cmd *Command) bool {
	for _, rec := range pl.enabledRecords() {
		if rec.interceptor == nil {
			continue
		}
		name := rec.plugin.Name()
		var handled bool
		err := rec.breaker.Execute(func() error {
			return pl.safely(name, "command", func() error {
				var err error
				handled, err = rec.interceptor.OnCommand(ctx, cmd)
				return err
			})
		})
		if err != nil {
			if srverr.Is(err, srverr.ErrCircuitOpen) {
				pl.logger.Debug("plugin %s skipped: %v", name, err)
			}
			cmd.resetReply()
			continue
		}
		if handled {
			return true
		}
		cmd.resetReply()
	}
	return false
}

// safely runs fn, converting an error or panic into a logged
// [srverr.PluginError].
func (pl *Pipeline) safely(name, hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			perr := srverr.WrapPlugin(name, hook, err)
			pl.logger.Error("%v", perr)
			pl.metrics.PluginError(perr.Error())
			err = perr
		}
	}()
	return fn()
}
