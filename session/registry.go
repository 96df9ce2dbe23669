package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/bpowers/mcpd/internal/logging"
	"github.com/bpowers/mcpd/internal/metrics"
	"github.com/bpowers/mcpd/persistence"
)

// Defaults used when an option is not supplied.
const (
	DefaultIdleTimeout = 10 * time.Minute
	DefaultGracePeriod = 10 * time.Second
	DefaultCallTimeout = 60 * time.Second
	DefaultRetention   = 512
	DefaultQueueSize   = 64
)

type options struct {
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	journal     persistence.Store
	idleTimeout time.Duration
	gracePeriod time.Duration
	callTimeout time.Duration
	retention   int
	queueSize   int
	maxSessions int
}

// Option configures a Registry.
type Option func(*options)

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithJournal records every message sessions send or receive.
func WithJournal(store persistence.Store) Option {
	return func(o *options) { o.journal = store }
}

// WithIdleTimeout closes sessions without client activity for d. Zero
// disables idle expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

func WithGracePeriod(d time.Duration) Option {
	return func(o *options) { o.gracePeriod = d }
}

// WithCallTimeout bounds every request. Zero disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithRetention sets how many events each session stream keeps for replay.
func WithRetention(n int) Option {
	return func(o *options) { o.retention = n }
}

func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithMaxSessions limits concurrently open sessions. Zero means no limit.
func WithMaxSessions(n int) Option {
	return func(o *options) { o.maxSessions = n }
}

// Registry owns every open session.
type Registry struct {
	opts options

	mu       sync.RWMutex
	sessions map[string]*Session
	stopping bool
}

func NewRegistry(opts ...Option) *Registry {
	o := options{
		clock:       clockwork.NewRealClock(),
		idleTimeout: DefaultIdleTimeout,
		gracePeriod: DefaultGracePeriod,
		callTimeout: DefaultCallTimeout,
		retention:   DefaultRetention,
		queueSize:   DefaultQueueSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = logging.Logger()
	}
	o.queueSize = max(o.queueSize, 1)

	return &Registry{
		opts:     o,
		sessions: make(map[string]*Session),
	}
}

// Create opens a new session with a fresh unguessable id.
func (r *Registry) Create() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopping {
		return nil, ErrShuttingDown
	}
	if r.opts.maxSessions > 0 && len(r.sessions) >= r.opts.maxSessions {
		return nil, ErrTooMany
	}

	s := newSession(uuid.NewString(), &r.opts, r.remove)
	r.sessions[s.id] = s
	r.opts.metrics.SessionOpened()
	s.log.Debug("session created")
	return s, nil
}

// Get returns an open session. Draining sessions are still returned so
// their streams stay readable.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close terminates a session immediately. Closing an id that is already
// closed, or was never issued, does nothing.
func (r *Registry) Close(id string) {
	if s, err := r.Get(id); err == nil {
		s.Close()
	}
}

// Drain moves a session to Draining using the configured grace period.
func (r *Registry) Drain(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Drain(r.opts.gracePeriod)
	return nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s.id]
	delete(r.sessions, s.id)
	r.mu.Unlock()

	if ok {
		r.opts.metrics.SessionClosed()
	}
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GracePeriod returns the drain grace period sessions use.
func (r *Registry) GracePeriod() time.Duration {
	return r.opts.gracePeriod
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Sweep drains sessions idle past the idle timeout and returns how many
// it drained.
func (r *Registry) Sweep() int {
	if r.opts.idleTimeout <= 0 {
		return 0
	}
	now := r.opts.clock.Now()
	n := 0
	for _, s := range r.snapshot() {
		if s.State() >= Draining {
			continue
		}
		if now.Sub(s.LastActive()) >= r.opts.idleTimeout {
			s.log.Info("session idle, draining", "idle", now.Sub(s.LastActive()))
			s.Drain(r.opts.gracePeriod)
			n++
		}
	}
	return n
}

// Run sweeps idle sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.opts.idleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	interval := max(r.opts.idleTimeout/4, time.Second)
	ticker := r.opts.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown refuses new sessions and drains every open one. Sessions still
// open when ctx ends are closed outright.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()

	sessions := r.snapshot()
	for _, s := range sessions {
		s.Drain(r.opts.gracePeriod)
	}

	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			for _, s := range r.snapshot() {
				s.Close()
			}
			return ctx.Err()
		}
	}
	return nil
}

// Stopping reports whether Shutdown has begun.
func (r *Registry) Stopping() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopping
}
