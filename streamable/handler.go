// Package streamable serves an mcp.Server over the Streamable HTTP
// transport: client messages arrive as POST bodies and server messages
// leave either inline or on a per-session server-sent event stream.
package streamable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"github.com/bpowers/mcpd/internal/logging"
	"github.com/bpowers/mcpd/internal/metrics"
	"github.com/bpowers/mcpd/jsonrpc"
	"github.com/bpowers/mcpd/mcp"
	"github.com/bpowers/mcpd/persistence"
	"github.com/bpowers/mcpd/session"
	"github.com/bpowers/mcpd/stream"
)

const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
	HeaderLastEventID     = "Last-Event-ID"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// Mode selects how responses to POSTed requests are delivered.
type Mode string

const (
	// ModeJSON answers each request in the body of its POST.
	ModeJSON Mode = "json"
	// ModeStream answers 202 Accepted and publishes the response on the
	// session's event stream.
	ModeStream Mode = "stream"
)

// ParseMode accepts the configuration spelling of a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeJSON, "":
		return ModeJSON, nil
	case ModeStream:
		return ModeStream, nil
	}
	return "", fmt.Errorf("unknown response mode %q", s)
}

// Defaults used when an option is left zero.
const (
	DefaultPath         = "/mcp"
	DefaultMaxBodyBytes = 4 << 20
	DefaultKeepAlive    = 15 * time.Second
)

type Options struct {
	// Path is where the MCP endpoint is mounted.
	Path string
	Mode Mode
	// MaxBodyBytes limits the size of a POST body.
	MaxBodyBytes int64
	// KeepAlive is the interval between comment frames on an idle event
	// stream. Negative disables them.
	KeepAlive time.Duration
	// RetryHint, when positive, is sent to clients as the SSE reconnection
	// delay.
	RetryHint time.Duration
	// AllowedOrigins enables CORS for browser clients.
	AllowedOrigins []string

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Handler is the HTTP face of an MCP server. Sessions are created by
// initialize requests and addressed by the Mcp-Session-Id header.
type Handler struct {
	chi.Router

	server   *mcp.Server
	sessions *session.Registry
	opts     Options
	log      *slog.Logger
}

func New(server *mcp.Server, sessions *session.Registry, opts Options) (*Handler, error) {
	if server == nil {
		return nil, fmt.Errorf("streamable: server is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("streamable: session registry is required")
	}

	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if !strings.HasPrefix(opts.Path, "/") {
		return nil, fmt.Errorf("streamable: path %q must start with /", opts.Path)
	}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, fmt.Errorf("streamable: %w", err)
	}
	opts.Mode = mode
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Logger()
	}

	h := &Handler{
		Router:   chi.NewRouter(),
		server:   server,
		sessions: sessions,
		opts:     opts,
		log:      opts.Logger,
	}
	h.setup()
	return h, nil
}

func (h *Handler) setup() {
	h.Use(middleware.RequestID)
	h.Use(middleware.Recoverer)
	if len(h.opts.AllowedOrigins) > 0 {
		h.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", HeaderSessionID, HeaderProtocolVersion, HeaderLastEventID},
			ExposedHeaders: []string{HeaderSessionID},
			MaxAge:         300,
		}))
	}

	h.Post(h.opts.Path, h.post)
	h.Get(h.opts.Path, h.get)
	h.Delete(h.opts.Path, h.delete)
	h.Get("/healthz", h.health)
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	if !hasMediaType(r.Header.Get("Content-Type"), contentTypeJSON) {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	if !accepts(r.Header.Values("Accept"), contentTypeJSON) {
		http.Error(w, "Accept must allow application/json", http.StatusNotAcceptable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading body failed", http.StatusBadRequest)
		return
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		h.opts.Metrics.DecodeError()
		var de *jsonrpc.DecodeError
		if !errors.As(err, &de) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Debug("rejecting malformed message", "reason", de.Reason)
		h.writeJSON(w, http.StatusBadRequest, nil, de.Response())
		return
	}

	initialize := false
	if req, ok := msg.(*jsonrpc.Request); ok && req.Method == mcp.MethodInitialize {
		initialize = true
	}

	var (
		sess    *session.Session
		created bool
	)
	switch id := r.Header.Get(HeaderSessionID); {
	case id == "" && initialize:
		sess, err = h.sessions.Create()
		if err != nil {
			h.log.Warn("refusing session", "err", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		created = true
	case id == "":
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	default:
		if sess = h.lookup(w, id); sess == nil {
			return
		}
	}

	if v := r.Header.Get(HeaderProtocolVersion); v != "" && !initialize && !mcp.IsSupportedVersion(v) {
		http.Error(w, "unsupported protocol version "+v, http.StatusBadRequest)
		return
	}

	p := h.server.Dispatch(r.Context(), sess, msg)
	if p == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if initialize {
		<-p.Done()
		resp := p.Response()
		if created {
			if resp.Error != nil {
				h.sessions.Close(sess.ID())
			} else {
				w.Header().Set(HeaderSessionID, sess.ID())
			}
		}
		h.writeJSON(w, http.StatusOK, sess, resp)
		return
	}

	if h.opts.Mode == ModeStream {
		select {
		case <-p.Done():
			// already answered, e.g. a request refused by a draining session
			h.writeCall(w, sess, p)
		default:
			p.Detach()
			w.WriteHeader(http.StatusAccepted)
		}
		return
	}

	select {
	case <-p.Done():
		h.writeCall(w, sess, p)
	case <-r.Context().Done():
		p.Detach()
		sess.Log().Debug("client went away, response moved to event stream", "id", string(p.ID()))
	}
}

func (h *Handler) writeCall(w http.ResponseWriter, sess *session.Session, p *session.PendingCall) {
	if p.Abandoned() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeJSON(w, http.StatusOK, sess, p.Response())
}

// writeJSON writes msg as the response body and journals it when it
// belongs to a session.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, sess *session.Session, msg jsonrpc.Message) {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		h.log.Error("encoding response failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if sess != nil {
		sess.Record(persistence.Outbound, msg, data, 0)
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.log.Debug("writing response failed", "err", err)
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	if !accepts(r.Header.Values("Accept"), contentTypeSSE) {
		http.Error(w, "Accept must allow text/event-stream", http.StatusNotAcceptable)
		return
	}
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}
	sess := h.lookup(w, id)
	if sess == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var cur *stream.Cursor
	if last := r.Header.Get(HeaderLastEventID); last != "" {
		n, err := strconv.ParseUint(last, 10, 64)
		if err != nil {
			http.Error(w, "malformed "+HeaderLastEventID+" header", http.StatusBadRequest)
			return
		}
		cur, err = sess.Resume(n)
		if err != nil {
			sess.Log().Info("cannot resume event stream", "last_event_id", n, "err", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	} else {
		cur = sess.Subscribe()
	}

	hdr := w.Header()
	hdr.Set("Content-Type", contentTypeSSE)
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if h.opts.RetryHint > 0 {
		fmt.Fprintf(w, "retry: %d\n\n", h.opts.RetryHint.Milliseconds())
	}
	flusher.Flush()

	err := h.pump(r.Context(), w, flusher, sess, cur)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
	case errors.Is(err, stream.ErrSuperseded):
		sess.Log().Debug("event stream superseded")
	default:
		sess.Log().Info("event stream ended", "err", err)
	}
}

type batch struct {
	events []stream.Event
	err    error
}

// pump copies events from cur to w until the cursor or the request ends,
// writing a comment frame whenever the stream has been quiet for the
// keepalive interval.
func (h *Handler) pump(ctx context.Context, w io.Writer, flusher http.Flusher, sess *session.Session, cur *stream.Cursor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan batch)
	go func() {
		for {
			events, err := cur.Next(ctx)
			select {
			case batches <- batch{events, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var keepalive <-chan time.Time
	if h.opts.KeepAlive > 0 {
		ticker := h.opts.Clock.NewTicker(h.opts.KeepAlive)
		defer ticker.Stop()
		keepalive = ticker.Chan()
	}

	for {
		select {
		case b := <-batches:
			if b.err != nil {
				return b.err
			}
			for _, ev := range b.events {
				if err := writeEvent(w, ev); err != nil {
					return err
				}
			}
			flusher.Flush()
			cur.Ack(b.events[len(b.events)-1].ID)
		case <-keepalive:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			sess.Touch()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeEvent(w io.Writer, ev stream.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.ID, ev.Data)
	return err
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}
	if err := h.sessions.Drain(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.log.Debug("session terminated by client", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	if h.sessions.Stopping() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

// lookup resolves a session id, answering 404 when it is unknown.
func (h *Handler) lookup(w http.ResponseWriter, id string) *session.Session {
	sess, err := h.sessions.Get(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil
	}
	return sess
}

func hasMediaType(header, want string) bool {
	mt, _, err := mime.ParseMediaType(header)
	return err == nil && mt == want
}

// accepts reports whether an Accept header admits want. A missing header
// admits anything.
func accepts(values []string, want string) bool {
	if len(values) == 0 {
		return true
	}
	major, _, _ := strings.Cut(want, "/")
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if mt == want || mt == "*/*" || mt == major+"/*" {
				return true
			}
		}
	}
	return false
}
