// Package session tracks client sessions: their lifecycle, in-flight
// requests and outbound event streams.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bpowers/mcpd/internal/metrics"
	"github.com/bpowers/mcpd/jsonrpc"
	"github.com/bpowers/mcpd/persistence"
	"github.com/bpowers/mcpd/stream"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrClosed       = errors.New("session closed")
	ErrDraining     = errors.New("session draining")
	ErrDuplicateID  = errors.New("request id already in flight")
	ErrShuttingDown = errors.New("server shutting down")
	ErrTooMany      = errors.New("too many sessions")
)

// State is a session's position in its lifecycle. States only move forward.
type State int

const (
	// Connecting sessions have answered initialize but not yet received
	// notifications/initialized.
	Connecting State = iota
	Active
	// Draining sessions refuse new requests and close once in-flight
	// requests finish or the grace period ends.
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ClientInfo is what the client reported during initialize.
type ClientInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
}

// Session is one client's logical connection. Inbound work is processed
// in arrival order by a single worker goroutine.
type Session struct {
	id        string
	createdAt time.Time

	clock       clockwork.Clock
	log         *slog.Logger
	metrics     *metrics.Metrics
	journal     persistence.Store
	callTimeout time.Duration

	stream *stream.Stream
	inbox  chan func()
	ctx    context.Context
	cancel context.CancelCauseFunc
	closed chan struct{}

	mu         sync.Mutex
	state      State
	pending    map[string]*PendingCall
	lastActive time.Time
	client     ClientInfo
	calls      int
	errors     int
	graceTimer clockwork.Timer
	onClose    func(*Session)
}

func newSession(id string, o *options, onClose func(*Session)) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	now := o.clock.Now()
	s := &Session{
		id:          id,
		createdAt:   now,
		clock:       o.clock,
		log:         o.logger.With("session_id", id),
		metrics:     o.metrics,
		journal:     o.journal,
		callTimeout: o.callTimeout,
		stream:      stream.New(o.retention),
		inbox:       make(chan func(), o.queueSize),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		state:       Connecting,
		pending:     make(map[string]*PendingCall),
		lastActive:  now,
		onClose:     onClose,
	}
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Log returns the session's logger, tagged with its id.
func (s *Session) Log() *slog.Logger { return s.log }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records client activity for idle accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = s.clock.Now()
	s.mu.Unlock()
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Activate moves a connecting session to Active.
func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Connecting {
		s.state = Active
	}
}

func (s *Session) SetClient(info ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = info
}

func (s *Session) Client() ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// PendingCount returns the number of unresolved requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Track registers a request as in flight. A request that cannot be
// accepted still yields a call, already resolved with the matching error
// response, so every request receives exactly one answer.
func (s *Session) Track(id json.RawMessage, method string) *PendingCall {
	key := jsonrpc.IDKey(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Draining:
		return rejected(id, ErrDraining)
	case Closed:
		return rejected(id, ErrClosed)
	}
	if _, ok := s.pending[key]; ok {
		return rejected(id, ErrDuplicateID)
	}

	ctx, cancel := context.WithCancelCause(s.ctx)
	p := &PendingCall{
		id:      id,
		method:  method,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		deliver: s.deliver,
		onDone:  s.untrack,
	}
	if s.callTimeout > 0 {
		// resolve reads p.timer under p.mu
		p.mu.Lock()
		p.timer = s.clock.AfterFunc(s.callTimeout, func() {
			if p.Fail(ErrTimeout) {
				s.log.Warn("request timed out", "method", method, "id", string(id))
			}
		})
		p.mu.Unlock()
	}
	s.pending[key] = p
	s.calls++
	return p
}

// Pending looks up an in-flight request by id.
func (s *Session) Pending(id json.RawMessage) (*PendingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[jsonrpc.IDKey(id)]
	return p, ok
}

func (s *Session) untrack(p *PendingCall) {
	resp := p.Response()

	s.mu.Lock()
	key := jsonrpc.IDKey(p.id)
	if s.pending[key] == p {
		delete(s.pending, key)
	}
	if resp != nil && resp.Error != nil {
		s.errors++
	}
	finish := s.state == Draining && len(s.pending) == 0
	s.mu.Unlock()

	if finish {
		s.shutdown()
	}
}

// Enqueue hands job to the session worker. It blocks while the queue is
// full, until ctx ends or the session closes.
func (s *Session) Enqueue(ctx context.Context, job func()) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- job:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	for {
		select {
		case job := <-s.inbox:
			s.runJob(job)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session job panicked", "panic", r)
		}
	}()
	job()
}

// Publish encodes msg and appends it to the session stream.
func (s *Session) Publish(msg jsonrpc.Message) (uint64, error) {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return 0, err
	}
	id, err := s.stream.Publish(data)
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	s.metrics.EventPublished()
	s.Record(persistence.Outbound, msg, data, id)
	return id, nil
}

func (s *Session) deliver(resp *jsonrpc.Response) {
	if _, err := s.Publish(resp); err != nil {
		s.log.Warn("dropping response", "id", string(resp.ID), "err", err)
	}
}

// Subscribe opens the session stream at the first undelivered event.
func (s *Session) Subscribe() *stream.Cursor {
	return s.stream.Subscribe()
}

// Resume opens the session stream after lastEventID.
func (s *Session) Resume(lastEventID uint64) (*stream.Cursor, error) {
	cur, err := s.stream.Resume(lastEventID)
	if err != nil {
		if errors.Is(err, stream.ErrReplayGap) {
			s.metrics.ReplayGap()
		}
		return nil, err
	}
	s.metrics.EventsReplayed(s.stream.LastID() - lastEventID)
	return cur, nil
}

// Record appends a message to the journal, if one is configured. Journal
// failures are logged and otherwise ignored.
func (s *Session) Record(dir persistence.Direction, msg jsonrpc.Message, raw []byte, eventID uint64) {
	if s.journal == nil {
		return
	}

	rec := persistence.Record{
		Direction: dir,
		Kind:      msg.Kind(),
		EventID:   eventID,
		Payload:   json.RawMessage(raw),
		Timestamp: s.clock.Now(),
	}
	switch m := msg.(type) {
	case *jsonrpc.Request:
		rec.Method, rec.RequestID = m.Method, string(m.ID)
	case *jsonrpc.Notification:
		rec.Method = m.Method
	case *jsonrpc.Response:
		rec.RequestID = string(m.ID)
	}

	if _, err := s.journal.AddRecord(context.WithoutCancel(s.ctx), s.id, rec); err != nil {
		s.log.Warn("journal write failed", "err", err)
	}
}

// Drain stops accepting requests and closes the session once in-flight
// requests resolve, or when grace elapses, whichever is first. The
// returned channel closes when the session is Closed.
func (s *Session) Drain(grace time.Duration) <-chan struct{} {
	s.mu.Lock()
	if s.state >= Draining {
		s.mu.Unlock()
		return s.closed
	}
	s.state = Draining
	idle := len(s.pending) == 0
	if !idle && grace > 0 {
		s.graceTimer = s.clock.AfterFunc(grace, s.shutdown)
	}
	s.mu.Unlock()

	s.log.Debug("session draining", "grace", grace)
	if idle || grace <= 0 {
		s.shutdown()
	}
	return s.closed
}

// Close cancels every in-flight request and closes the session. It is
// idempotent.
func (s *Session) Close() {
	s.shutdown()
}

func (s *Session) shutdown() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	pending := s.pending
	s.pending = make(map[string]*PendingCall)
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.mu.Unlock()

	for _, p := range pending {
		p.Fail(ErrCancelled)
	}
	s.cancel(ErrClosed)
	s.stream.Close()

	s.log.Debug("session closed", "cancelled", len(pending))
	s.saveSummary()
	if s.onClose != nil {
		s.onClose(s)
	}
	close(s.closed)
}

func (s *Session) saveSummary() {
	if s.journal == nil {
		return
	}

	s.mu.Lock()
	summary := persistence.SessionSummary{
		ClientName:      s.client.Name,
		ClientVersion:   s.client.Version,
		ProtocolVersion: s.client.ProtocolVersion,
		Calls:           s.calls,
		Errors:          s.errors,
		Events:          s.stream.LastID(),
		CreatedAt:       s.createdAt,
		ClosedAt:        s.clock.Now(),
	}
	s.mu.Unlock()

	if err := s.journal.SaveSummary(context.Background(), s.id, summary); err != nil {
		s.log.Warn("journal summary failed", "err", err)
	}
}
