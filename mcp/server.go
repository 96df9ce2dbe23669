package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/bpowers/mcpd/internal/logging"
	"github.com/bpowers/mcpd/internal/metrics"
	"github.com/bpowers/mcpd/jsonrpc"
	"github.com/bpowers/mcpd/persistence"
	"github.com/bpowers/mcpd/session"
)

// DefaultWorkers bounds how many blocking tool calls run at once.
const DefaultWorkers = 16

type Option func(*Server)

// Server dispatches MCP messages for sessions. It is safe for concurrent
// use by any number of sessions.
type Server struct {
	registry        *Registry
	info            Implementation
	protocolVersion string
	instructions    string
	log             *slog.Logger
	metrics         *metrics.Metrics
	workers         int

	pool *pool.Pool
	// submitting counts calls on their way into pool, so Close can wait
	// for them before waiting on the pool itself.
	submitting sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
}

// NewServer creates a dispatcher over registry and freezes it.
func NewServer(registry *Registry, info Implementation, opts ...Option) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("new server: registry is required")
	}
	if info.Name == "" {
		return nil, fmt.Errorf("new server: server name is required")
	}
	if info.Version == "" {
		return nil, fmt.Errorf("new server: server version is required")
	}

	server := &Server{
		registry:        registry,
		info:            info,
		protocolVersion: ProtocolVersion,
		workers:         DefaultWorkers,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}

	if server.protocolVersion == "" {
		return nil, fmt.Errorf("new server: protocol version is required")
	}
	if server.workers < 1 {
		return nil, fmt.Errorf("new server: workers must be positive")
	}
	if server.log == nil {
		server.log = logging.Logger()
	}

	registry.Freeze()
	server.pool = pool.New().WithMaxGoroutines(server.workers)
	return server, nil
}

func WithInstructions(instructions string) Option {
	return func(server *Server) {
		server.instructions = instructions
	}
}

// WithProtocolVersion sets the version offered to clients whose requested
// version is not supported.
func WithProtocolVersion(version string) Option {
	return func(server *Server) {
		server.protocolVersion = version
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(server *Server) {
		server.log = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(server *Server) {
		server.metrics = m
	}
}

// WithWorkers sets the size of the pool running blocking tools.
func WithWorkers(n int) Option {
	return func(server *Server) {
		server.workers = n
	}
}

// Info returns the server's implementation details.
func (s *Server) Info() Implementation {
	return s.info
}

// Close waits for running blocking tools and rejects new ones.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.submitting.Wait()
	s.pool.Wait()
}

// submit runs fn on the worker pool. When every worker is busy it blocks
// the calling session worker until one frees up; other sessions are not
// held back. It reports false once the server is closed.
func (s *Server) submit(fn func()) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.submitting.Add(1)
	s.mu.RUnlock()

	defer s.submitting.Done()
	s.pool.Go(fn)
	return true
}

// Dispatch handles one inbound message for sess. Requests yield a pending
// call that resolves with the response; notifications and responses yield
// nil. Requests are processed in arrival order on the session's worker.
func (s *Server) Dispatch(ctx context.Context, sess *session.Session, msg jsonrpc.Message) *session.PendingCall {
	sess.Touch()
	if raw, err := jsonrpc.Encode(msg); err == nil {
		sess.Record(persistence.Inbound, msg, raw, 0)
	}

	switch m := msg.(type) {
	case *jsonrpc.Notification:
		s.handleNotification(ctx, sess, m)
		return nil
	case *jsonrpc.Response:
		// the server never sends requests, so nothing is waiting for this
		s.log.Debug("dropping client response", "session_id", sess.ID(), "id", string(m.ID))
		return nil
	case *jsonrpc.Request:
		p := sess.Track(m.ID, m.Method)
		if p.Response() != nil {
			return p
		}
		if m.Method == MethodInitialize {
			p.Resolve(s.handleInitialize(sess, m))
			return p
		}
		if err := sess.Enqueue(ctx, func() { s.handleRequest(sess, p, m) }); err != nil {
			p.Fail(err)
		}
		return p
	}
	return nil
}

func (s *Server) handleNotification(ctx context.Context, sess *session.Session, n *jsonrpc.Notification) {
	switch n.Method {
	case NotifyInitialized:
		sess.Activate()
	case NotifyCancelled:
		var params CancelledParams
		if err := json.Unmarshal(n.Params, &params); err != nil || len(params.RequestID) == 0 {
			s.log.Debug("ignoring malformed cancellation", "session_id", sess.ID())
			return
		}
		p, ok := sess.Pending(params.RequestID)
		if !ok || p.Method() == MethodInitialize {
			return
		}
		if p.Abandon(fmt.Errorf("cancelled by client: %s", params.Reason)) {
			s.log.Debug("request cancelled by client", "session_id", sess.ID(), "id", string(params.RequestID))
		}
	default:
		tool, ok := s.registry.Get(n.Method)
		if !ok {
			s.log.Debug("ignoring notification", "session_id", sess.ID(), "method", n.Method)
			return
		}
		// dispatched like a request, but nobody hears the outcome
		err := sess.Enqueue(ctx, func() { s.notifyTool(sess, tool, n.Params) })
		if err != nil {
			sess.Log().Debug("dropping tool notification", "tool", tool.Name, "err", err)
		}
	}
}

// notifyTool runs a tool named by a notification and discards its result.
func (s *Server) notifyTool(sess *session.Session, tool Tool, args json.RawMessage) {
	call := func() {
		start := time.Now()
		_, err := s.registry.Invoke(sess.Context(), tool.Name, args)
		s.metrics.ToolCall(tool.Name, toolOutcome(err), time.Since(start))

		var pe *PanicError
		if errors.As(err, &pe) {
			sess.Log().Error("tool panicked", "tool", tool.Name, "panic", pe.Value, "stack", string(pe.Stack))
		} else if err != nil {
			sess.Log().Info("tool notification failed", "tool", tool.Name, "err", err)
		}
	}
	if !tool.Blocking {
		call()
		return
	}
	if !s.submit(call) {
		sess.Log().Debug("dropping tool notification", "tool", tool.Name, "err", session.ErrShuttingDown)
	}
}

func (s *Server) handleInitialize(sess *session.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if sess.Client().ProtocolVersion != "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidRequest, "session already initialized", nil)
	}
	if len(req.Params) == 0 {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "missing params", nil)
	}

	var params InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid params", err.Error())
	}
	if params.ProtocolVersion == "" || params.ClientInfo.Name == "" || params.ClientInfo.Version == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid params", "missing required fields")
	}
	if len(params.Capabilities) == 0 {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid params", "missing client capabilities")
	}

	version := s.protocolVersion
	if IsSupportedVersion(params.ProtocolVersion) {
		version = params.ProtocolVersion
	}
	sess.SetClient(session.ClientInfo{
		Name:            params.ClientInfo.Name,
		Version:         params.ClientInfo.Version,
		ProtocolVersion: version,
	})
	sess.Log().Info("session initialized",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol_version", version)

	return s.result(req.ID, InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      s.info,
		Capabilities: ServerCapabilities{
			Tools: &ToolCapabilities{},
		},
		Instructions: s.instructions,
	})
}

// handleRequest runs on the session worker.
func (s *Server) handleRequest(sess *session.Session, p *session.PendingCall, req *jsonrpc.Request) {
	if p.Context().Err() != nil {
		return
	}

	switch req.Method {
	case MethodPing:
		p.Resolve(s.result(req.ID, struct{}{}))
	case MethodToolsList:
		p.Resolve(s.handleListTools(req))
	case MethodToolsCall:
		s.handleCallTool(sess, p, req)
	default:
		tool, ok := s.registry.Get(req.Method)
		if !ok {
			p.Resolve(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "method not found", req.Method))
			return
		}
		s.runTool(sess, p, tool, req.Params, false)
	}
}

func (s *Server) handleListTools(req *jsonrpc.Request) *jsonrpc.Response {
	if len(req.Params) > 0 {
		var params struct {
			Cursor json.RawMessage `json:"cursor"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid params", err.Error())
		}
		// Pagination is not implemented; cursor is parsed but ignored.
	}

	return s.result(req.ID, ListToolsResult{
		Tools: s.registry.Definitions(),
	})
}

func (s *Server) handleCallTool(sess *session.Session, p *session.PendingCall, req *jsonrpc.Request) {
	if len(req.Params) == 0 {
		p.Resolve(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "missing params", nil))
		return
	}

	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.Resolve(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid params", err.Error()))
		return
	}
	if params.Name == "" {
		p.Resolve(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid params", "tool name is required"))
		return
	}
	if len(params.Task) > 0 && !bytes.Equal(bytes.TrimSpace(params.Task), []byte("null")) {
		p.Resolve(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "task augmentation not supported", nil))
		return
	}

	tool, ok := s.registry.Get(params.Name)
	if !ok {
		p.Resolve(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "tool not found", params.Name))
		return
	}
	s.runTool(sess, p, tool, params.Arguments, true)
}

// runTool invokes tool inline, or on the worker pool for blocking tools.
// wrap selects the tools/call result shape over the bare result.
func (s *Server) runTool(sess *session.Session, p *session.PendingCall, tool Tool, args json.RawMessage, wrap bool) {
	call := func() { s.invoke(sess, p, tool.Name, args, wrap) }
	if !tool.Blocking {
		call()
		return
	}

	if !s.submit(call) {
		p.Fail(session.ErrShuttingDown)
	}
}

func (s *Server) invoke(sess *session.Session, p *session.PendingCall, name string, args json.RawMessage, wrap bool) {
	start := time.Now()
	out, err := s.registry.Invoke(p.Context(), name, args)
	elapsed := time.Since(start)

	resp := s.toolResponse(p.ID(), out, err, wrap)
	outcome := toolOutcome(err)
	if !p.Resolve(resp) {
		outcome = metrics.OutcomeCancelled
		if errors.Is(context.Cause(p.Context()), session.ErrTimeout) {
			outcome = metrics.OutcomeTimeout
		}
	}
	s.metrics.ToolCall(name, outcome, elapsed)

	var pe *PanicError
	if errors.As(err, &pe) {
		sess.Log().Error("tool panicked", "tool", name, "panic", pe.Value, "stack", string(pe.Stack))
	} else if err != nil {
		sess.Log().Debug("tool failed", "tool", name, "err", err)
	}
}

func toolOutcome(err error) string {
	var (
		se *SchemaError
		pe *PanicError
	)
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &se):
		return metrics.OutcomeInvalid
	case errors.As(err, &pe):
		return metrics.OutcomePanic
	}
	return metrics.OutcomeError
}

func (s *Server) toolResponse(id json.RawMessage, out json.RawMessage, err error, wrap bool) *jsonrpc.Response {
	var (
		se *SchemaError
		pe *PanicError
		nf *ToolNotFoundError
		ie *InvocationError
	)
	switch {
	case err == nil:
	case errors.As(err, &se):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInvalidParams, "invalid params", se.Err.Error())
	case errors.As(err, &nf):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeMethodNotFound, "tool not found", nf.Name)
	case errors.As(err, &pe):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "tool panicked", fmt.Sprint(pe.Value))
	case errors.As(err, &ie) && wrap:
		return s.result(id, CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: ie.Err.Error()}},
			IsError: true,
		})
	default:
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInvocationError, err.Error(), nil)
	}

	if !wrap {
		return &jsonrpc.Response{ID: id, Result: out}
	}
	return s.result(id, CallToolResult{
		Content:           []ContentBlock{{Type: "text", Text: string(out)}},
		StructuredContent: structured(out),
	})
}

// structured returns out when it is a JSON object and wraps it otherwise.
func structured(out json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed
	}
	wrapped, err := json.Marshal(struct {
		Result json.RawMessage `json:"result"`
	}{out})
	if err != nil {
		return nil
	}
	return wrapped
}

func (s *Server) result(id json.RawMessage, v any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResult(id, v)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "internal error", err.Error())
	}
	return resp
}

// Serve speaks newline-delimited JSON-RPC over in and out on a private
// session, until in is exhausted or ctx is done.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer, opts ...session.Option) error {
	if s == nil {
		return fmt.Errorf("serve: server is nil")
	}
	if in == nil {
		return fmt.Errorf("serve: input reader is nil")
	}
	if out == nil {
		return fmt.Errorf("serve: output writer is nil")
	}

	registry := session.NewRegistry(append([]session.Option{
		session.WithLogger(s.log),
		session.WithMetrics(s.metrics),
		session.WithIdleTimeout(0),
	}, opts...)...)
	sess, err := registry.Create()
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer sess.Close()

	w := &lineWriter{enc: json.NewEncoder(out)}
	var wg conc.WaitGroup
	defer wg.Wait()

	decoder := json.NewDecoder(in)
	for {
		select {
		case <-ctx.Done():
			sess.Close()
			return fmt.Errorf("serve: %w", ctx.Err())
		default:
		}

		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if err == io.EOF {
				wg.Wait()
				return nil
			}
			resp := jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "parse error", err.Error())
			if encodeErr := w.write(resp); encodeErr != nil {
				return fmt.Errorf("serve: writing parse error response: %w", encodeErr)
			}
			return fmt.Errorf("serve: decode failed: %w", err)
		}

		msg, err := jsonrpc.Decode(raw)
		if err != nil {
			s.metrics.DecodeError()
			var de *jsonrpc.DecodeError
			if errors.As(err, &de) {
				if err := w.write(de.Response()); err != nil {
					return fmt.Errorf("serve: writing response: %w", err)
				}
			}
			continue
		}

		p := s.Dispatch(ctx, sess, msg)
		if p == nil {
			continue
		}
		wg.Go(func() {
			<-p.Done()
			if p.Abandoned() {
				return
			}
			if err := w.write(p.Response()); err != nil {
				s.log.Warn("serve: writing response", "err", err)
			}
		})
	}
}

type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(msg jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(json.RawMessage(data))
}
