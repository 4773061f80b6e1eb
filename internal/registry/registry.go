// Package registry tracks admitted sessions, assigns their ids and
// remembers which one the operator is talking to.
package registry

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	srverr "sessiond/internal/errors"
	"sessiond/internal/metrics"
	"sessiond/internal/session"
	"sessiond/util"
)

// Resolver maps a peer address to a display name.  It must give up on
// its own in bounded time.
type Resolver func(ctx context.Context, addr string) string

// DNSResolver returns a [Resolver] backed by reverse DNS.
func DNSResolver(timeout time.Duration) Resolver {
	return func(ctx context.Context, addr string) string {
		return util.ReverseLookup(ctx, addr, timeout)
	}
}

// Entry is a listing row.
type Entry struct {
	ID            int    `json:"id"`
	RemoteAddr    string `json:"remote_addr"`
	LocalAddr     string `json:"local_addr"`
	Hostname      string `json:"hostname"`
	Shell         string `json:"shell,omitempty"`
	Authenticated bool   `json:"authenticated"`
	Active        bool   `json:"active"`
	Key           string `json:"key"`
}

// Registry owns every admitted session.  Ids start at 1, increase by
// one per admission and are never reused.  The zero value is not
// usable; call [New].
type Registry struct {
	mu       sync.Mutex
	sessions map[int]*session.Session
	nextID   int
	active   int // 0 = none

	sweepMu sync.Mutex

	resolve Resolver
	baseCtx context.Context
	logger  *util.Logger
	metrics *metrics.Collector
}

// Option customizes a Registry.
type Option func(*Registry)

// WithResolver enables asynchronous hostname resolution.
func WithResolver(r Resolver) Option { return func(g *Registry) { g.resolve = r } }

// WithMetrics attaches a collector.
func WithMetrics(m *metrics.Collector) Option { return func(g *Registry) { g.metrics = m } }

// New returns an empty registry.
func New(logger *util.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[int]*session.Session),
		nextID:   1,
		baseCtx:  context.Background(),
		logger:   logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Admit registers conn as a new unauthenticated session.  If no session
// is active, the new one becomes active.
func (r *Registry) Admit(conn net.Conn, addr string) *session.Session {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	s := session.New(id, conn, addr)
	r.sessions[id] = s
	if r.active == 0 {
		r.active = id
	}
	r.mu.Unlock()

	r.metrics.SessionAdmitted()
	r.logger.Verbose("session #%d admitted from %s (key %s)", id, s.RemoteAddr, s.Key)

	if r.resolve != nil {
		go s.SetHostname(r.resolve(r.baseCtx, s.RemoteAddr))
	}
	return s
}

// MarkAuthenticated records a successful handshake.  It reports false
// if the session is gone.
func (r *Registry) MarkAuthenticated(id int, shell string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.MarkAuthenticated(shell)
	return true
}

// Get returns the session with the given id.
func (r *Registry) Get(id int) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Active returns the session commands are routed to.
func (r *Registry) Active() (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == 0 {
		return nil, false
	}
	s, ok := r.sessions[r.active]
	return s, ok
}

// SetActive points routing at id.  The pointer is unchanged when id is
// not registered or has not authenticated yet; both report NotFound.
func (r *Registry) SetActive(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; !ok || !s.Authenticated() {
		return srverr.NotFound("connection #%d", id)
	}
	r.active = id
	return nil
}

// ListActive returns the authenticated sessions in admission order.
func (r *Registry) ListActive() []Entry {
	return r.snapshot(true)
}

// List returns every session, authenticated or not.
func (r *Registry) List() []Entry {
	return r.snapshot(false)
}

func (r *Registry) snapshot(authOnly bool) []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.sessions))
	for id, s := range r.sessions {
		if authOnly && !s.Authenticated() {
			continue
		}
		shell, _ := s.Shell()
		out = append(out, Entry{
			ID:            id,
			RemoteAddr:    s.RemoteAddr,
			LocalAddr:     s.LocalAddr,
			Hostname:      s.Hostname(),
			Shell:         shell,
			Authenticated: s.Authenticated(),
			Active:        id == r.active,
			Key:           s.Key.String(),
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove closes and forgets id.  It reports whether id was registered;
// removing twice is not an error.  Close errors are logged only.
func (r *Registry) Remove(id int) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		if r.active == id {
			r.active = 0
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := s.Close(); err != nil {
		if util.IsClosedErr(err) {
			r.logger.Debug("session #%d close: %v", id, err)
		} else {
			r.logger.Warn("session #%d close: %v", id, err)
		}
	}
	r.metrics.SessionRemoved()
	r.logger.Verbose("session #%d removed", id)
	return true
}

// CloseAll removes every session.
func (r *Registry) CloseAll() {
	for _, e := range r.List() {
		r.Remove(e.ID)
	}
}
