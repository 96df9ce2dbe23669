package streamable_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/mcpd/examples/mathtools"
	"github.com/bpowers/mcpd/jsonrpc"
	"github.com/bpowers/mcpd/mcp"
	"github.com/bpowers/mcpd/schema"
	"github.com/bpowers/mcpd/session"
	"github.com/bpowers/mcpd/streamable"
)

const initializeRequest = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","clientInfo":{"name":"client","version":"1.0"},"capabilities":{}}}`

func waitRequest(id int, gate string) string {
	return `{"jsonrpc":"2.0","id":` + strconv.Itoa(id) + `,"method":"tools/call","params":{"name":"Wait","arguments":{"gate":"` + gate + `"}}}`
}

// gates lets a test decide when each "Wait" call finishes.
type gates struct {
	mu sync.Mutex
	ch map[string]chan struct{}
}

func (g *gates) get(name string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(map[string]chan struct{})
	}
	if _, ok := g.ch[name]; !ok {
		g.ch[name] = make(chan struct{})
	}
	return g.ch[name]
}

func (g *gates) open(name string) {
	close(g.get(name))
}

type fixture struct {
	handler  *streamable.Handler
	sessions *session.Registry
	srv      *httptest.Server
	url      string
	clock    clockwork.FakeClock
	gates    *gates
}

func newFixture(t *testing.T, opts streamable.Options, sessionOpts ...session.Option) *fixture {
	t.Helper()

	f := &fixture{gates: &gates{}, clock: clockwork.NewFakeClock()}

	registry := mcp.NewRegistry()
	require.NoError(t, mathtools.Register(registry))
	require.NoError(t, registry.Register(mcp.Tool{
		Name:     "Wait",
		Params:   schema.Params{{Name: "gate", Type: schema.String, Description: "Gate to wait on"}},
		Blocking: true,
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct{ Gate string }
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			select {
			case <-f.gates.get(in.Gate):
				return map[string]string{"gate": in.Gate}, nil
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		},
	}))

	server, err := mcp.NewServer(registry, mcp.Implementation{Name: "test", Version: "1.0"})
	require.NoError(t, err)
	t.Cleanup(server.Close)

	f.sessions = session.NewRegistry(append([]session.Option{
		session.WithClock(clockwork.NewFakeClock()),
		session.WithCallTimeout(0),
		session.WithGracePeriod(0),
	}, sessionOpts...)...)

	if opts.Clock == nil {
		opts.Clock = f.clock
	}
	f.handler, err = streamable.New(server, f.sessions, opts)
	require.NoError(t, err)

	f.srv = httptest.NewServer(f.handler)
	t.Cleanup(f.srv.Close)
	f.url = f.srv.URL + streamable.DefaultPath

	// closing sessions ends open event streams so the server can stop
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.sessions.Shutdown(ctx)
	})
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) post(t *testing.T, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, f.url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(streamable.HeaderSessionID, sessionID)
	}
	return f.do(t, req)
}

// initialize opens a session and completes the handshake.
func (f *fixture) initialize(t *testing.T) string {
	t.Helper()
	resp := f.post(t, "", initializeRequest)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get(streamable.HeaderSessionID)
	require.NotEmpty(t, id)

	resp = f.post(t, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return id
}

func (f *fixture) get(t *testing.T, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set(streamable.HeaderSessionID, sessionID)
	}
	if lastEventID != "" {
		req.Header.Set(streamable.HeaderLastEventID, lastEventID)
	}
	return f.do(t, req)
}

func (f *fixture) session(t *testing.T, id string) *session.Session {
	t.Helper()
	sess, err := f.sessions.Get(id)
	require.NoError(t, err)
	return sess
}

func readResponse(t *testing.T, resp *http.Response) *jsonrpc.Response {
	t.Helper()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return decodeResponse(t, body)
}

func decodeResponse(t *testing.T, data []byte) *jsonrpc.Response {
	t.Helper()
	msg, err := jsonrpc.Decode(data)
	require.NoError(t, err, string(data))
	out, ok := msg.(*jsonrpc.Response)
	require.True(t, ok, string(data))
	return out
}

type frame struct {
	id      string
	event   string
	data    string
	retry   string
	comment string
}

type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(t *testing.T, resp *http.Response) *sseReader {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return &sseReader{r: bufio.NewReader(resp.Body)}
}

// next reads one blank-line terminated frame.
func (s *sseReader) next() (frame, error) {
	var f frame
	seen := false
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			if seen {
				return f, nil
			}
			continue
		}
		seen = true
		if c, ok := strings.CutPrefix(line, ":"); ok {
			f.comment = strings.TrimSpace(c)
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.id = value
		case "event":
			f.event = value
		case "data":
			f.data = value
		case "retry":
			f.retry = value
		}
	}
}

func (s *sseReader) event(t *testing.T) frame {
	t.Helper()
	for {
		f, err := s.next()
		require.NoError(t, err)
		if f.id != "" {
			return f
		}
	}
}

func TestInitializeCreatesSession(t *testing.T) {
	f := newFixture(t, streamable.Options{})

	resp := f.post(t, "", initializeRequest)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get(streamable.HeaderSessionID)
	require.NotEmpty(t, id)

	out := readResponse(t, resp)
	require.Nil(t, out.Error)
	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(out.Result, &result))
	assert.Equal(t, "2025-11-25", result.ProtocolVersion)
	assert.Equal(t, "test", result.ServerInfo.Name)

	assert.Equal(t, session.Connecting, f.session(t, id).State())
	resp = f.post(t, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, session.Active, f.session(t, id).State())

	other := f.post(t, "", initializeRequest).Header.Get(streamable.HeaderSessionID)
	assert.NotEqual(t, id, other)
	assert.Equal(t, 2, f.sessions.Len())
}

func TestInitializeFailureDiscardsSession(t *testing.T) {
	f := newFixture(t, streamable.Options{})

	resp := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(streamable.HeaderSessionID))

	out := readResponse(t, resp)
	require.NotNil(t, out.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, out.Error.Code)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestPostSessionErrors(t *testing.T) {
	f := newFixture(t, streamable.Options{})

	resp := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.post(t, "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPostContentNegotiation(t *testing.T) {
	f := newFixture(t, streamable.Options{})
	id := f.initialize(t)

	tests := []struct {
		name        string
		contentType string
		accept      string
		want        int
	}{
		{"plain text body", "text/plain", "application/json", http.StatusUnsupportedMediaType},
		{"missing content type", "", "application/json", http.StatusUnsupportedMediaType},
		{"html only", "application/json", "text/html", http.StatusNotAcceptable},
		{"charset parameter", "application/json; charset=utf-8", "application/json", http.StatusOK},
		{"wildcard accept", "application/json", "*/*", http.StatusOK},
		{"no accept", "application/json", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, f.url, strings.NewReader(`{"jsonrpc":"2.0","id":"p","method":"ping"}`))
			require.NoError(t, err)
			req.Header.Set(streamable.HeaderSessionID, id)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			resp := f.do(t, req)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestPostMalformedBody(t *testing.T) {
	f := newFixture(t, streamable.Options{})
	id := f.initialize(t)

	resp := f.post(t, id, `{"jsonrpc":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := readResponse(t, resp)
	require.NotNil(t, out.Error)
	assert.Equal(t, jsonrpc.CodeParseError, out.Error.Code)

	resp = f.post(t, id, `{"jsonrpc":"1.0","id":7,"method":"ping"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out = readResponse(t, resp)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, out.Error.Code)
	assert.JSONEq(t, `7`, string(out.ID))

	// the session is unaffected
	resp = f.post(t, id, `{"jsonrpc":"2.0","id":8,"method":"ping"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, readResponse(t, resp).Error)
}

func TestPostBodyLimit(t *testing.T) {
	f := newFixture(t, streamable.Options{MaxBodyBytes: 64})
	id := f.initialize(t)

	big := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", 128) + `"}}`
	resp := f.post(t, id, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestProtocolVersionHeader(t *testing.T) {
	f := newFixture(t, streamable.Options{})
	id := f.initialize(t)

	for version, want := range map[string]int{
		"1999-01-01": http.StatusBadRequest,
		"2025-06-18": http.StatusOK,
		"2025-11-25": http.StatusOK,
	} {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, f.url, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(streamable.HeaderSessionID, id)
		req.Header.Set(streamable.HeaderProtocolVersion, version)
		assert.Equal(t, want, f.do(t, req).StatusCode, version)
	}
}

func TestJSONModeToolCall(t *testing.T) {
	f := newFixture(t, streamable.Options{})
	id := f.initialize(t)

	resp := f.post(t, id, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"math.add","arguments":{"a":2,"b":3}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := readResponse(t, resp)
	require.Nil(t, out.Error)
	assert.JSONEq(t, `2`, string(out.ID))

	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(out.Result, &result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "5", result.Content[0].Text)

	resp = f.post(t, id, `{"jsonrpc":"2.0","id":3,"method":"math.add","params":{"a":1.5,"b":2}}`)
	out = readResponse(t, resp)
	require.Nil(t, out.Error)
	assert.JSONEq(t, `3.5`, string(out.Result))
}

func TestJSONModeClientDisconnectDetaches(t *testing.T) {
	f := newFixture(t, streamable.Options{})
	id := f.initialize(t)
	sess := f.session(t, id)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, streamable.DefaultPath, strings.NewReader(waitRequest(2, "a")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(streamable.HeaderSessionID, id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.ServeHTTP(httptest.NewRecorder(), req)
	}()

	require.Eventually(t, func() bool { return sess.PendingCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after the client went away")
	}

	cur := sess.Subscribe()
	f.gates.open("a")

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	events, err := cur.Next(readCtx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	out := decodeResponse(t, events[0].Data)
	assert.JSONEq(t, `2`, string(out.ID))
	assert.Nil(t, out.Error)
}

func TestStreamModeDeliversOnEventStream(t *testing.T) {
	f := newFixture(t, streamable.Options{Mode: streamable.ModeStream})
	id := f.initialize(t)

	events := newSSEReader(t, f.get(t, id, ""))

	resp := f.post(t, id, waitRequest(2, "a"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.gates.open("a")

	ev := events.event(t)
	assert.Equal(t, "1", ev.id)
	assert.Equal(t, "message", ev.event)

	out := decodeResponse(t, []byte(ev.data))
	assert.JSONEq(t, `2`, string(out.ID))
	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(out.Result, &result))
	assert.JSONEq(t, `{"gate":"a"}`, string(result.StructuredContent))
}

func TestStreamModeAnswersRejectionsInline(t *testing.T) {
	f := newFixture(t, streamable.Options{Mode: streamable.ModeStream})
	id := f.initialize(t)

	resp := f.post(t, id, waitRequest(2, "a"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// a second request reusing an in-flight id is refused immediately
	resp = f.post(t, id, waitRequest(2, "b"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := readResponse(t, resp)
	require.NotNil(t, out.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, out.Error.Code)
}

// publishThree resolves three detached calls in order so the session
// stream holds events 1, 2 and 3.
func publishThree(t *testing.T, f *fixture, id string) {
	t.Helper()
	sess := f.session(t, id)
	for i, gate := range []string{"a", "b", "c"} {
		resp := f.post(t, id, waitRequest(i+2, gate))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	require.Eventually(t, func() bool { return sess.PendingCount() == 3 }, time.Second, time.Millisecond)
	for i, gate := range []string{"a", "b", "c"} {
		f.gates.open(gate)
		want := 2 - i
		require.Eventually(t, func() bool { return sess.PendingCount() == want }, time.Second, time.Millisecond)
	}
}

func TestResumeReplaysMissedEvents(t *testing.T) {
	f := newFixture(t, streamable.Options{Mode: streamable.ModeStream})
	id := f.initialize(t)
	publishThree(t, f, id)

	events := newSSEReader(t, f.get(t, id, "1"))
	first := events.event(t)
	second := events.event(t)
	assert.Equal(t, "2", first.id)
	assert.Equal(t, "3", second.id)
	assert.JSONEq(t, `3`, string(decodeResponse(t, []byte(first.data)).ID))
	assert.JSONEq(t, `4`, string(decodeResponse(t, []byte(second.data)).ID))
}

func TestResumeErrors(t *testing.T) {
	f := newFixture(t, streamable.Options{Mode: streamable.ModeStream}, session.WithRetention(2))
	id := f.initialize(t)
	publishThree(t, f, id)

	// event 1 has been evicted
	assert.Equal(t, http.StatusConflict, f.get(t, id, "0").StatusCode)
	// event 9 was never published
	assert.Equal(t, http.StatusConflict, f.get(t, id, "9").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.get(t, id, "latest").StatusCode)

	// the retained window is still served
	events := newSSEReader(t, f.get(t, id, "2"))
	assert.Equal(t, "3", events.event(t).id)
}

func TestGetErrors(t *testing.T) {
	f := newFixture(t, streamable.Options{})

	assert.Equal(t, http.StatusBadRequest, f.get(t, "", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get(t, "missing", "").StatusCode)

	id := f.initialize(t)
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(streamable.HeaderSessionID, id)
	assert.Equal(t, http.StatusNotAcceptable, f.do(t, req).StatusCode)
}

func TestKeepAliveAndRetryHint(t *testing.T) {
	f := newFixture(t, streamable.Options{KeepAlive: 5 * time.Second, RetryHint: 2 * time.Second})
	id := f.initialize(t)

	events := newSSEReader(t, f.get(t, id, ""))
	fr, err := events.next()
	require.NoError(t, err)
	assert.Equal(t, "2000", fr.retry)

	f.clock.BlockUntil(1)
	f.clock.Advance(5 * time.Second)
	fr, err = events.next()
	require.NoError(t, err)
	assert.Equal(t, "keepalive", fr.comment)
	assert.Empty(t, fr.id)
}

func TestDeleteTerminatesSession(t *testing.T) {
	f := newFixture(t, streamable.Options{})
	id := f.initialize(t)
	events := newSSEReader(t, f.get(t, id, ""))

	del := func(sessionID string) int {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodDelete, f.url, nil)
		require.NoError(t, err)
		if sessionID != "" {
			req.Header.Set(streamable.HeaderSessionID, sessionID)
		}
		return f.do(t, req).StatusCode
	}

	assert.Equal(t, http.StatusBadRequest, del(""))
	assert.Equal(t, http.StatusNoContent, del(id))

	// the event stream ends with the session
	_, err := events.next()
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, http.StatusNotFound, del(id))
	assert.Equal(t, http.StatusNotFound, f.post(t, id, `{"jsonrpc":"2.0","id":2,"method":"ping"}`).StatusCode)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestDrainingSessionRefusesRequests(t *testing.T) {
	f := newFixture(t, streamable.Options{}, session.WithGracePeriod(time.Hour))
	id := f.initialize(t)
	sess := f.session(t, id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, streamable.DefaultPath, strings.NewReader(waitRequest(2, "a")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(streamable.HeaderSessionID, id)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.ServeHTTP(rec, req)
	}()
	require.Eventually(t, func() bool { return sess.PendingCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.sessions.Drain(id))
	assert.Equal(t, session.Draining, sess.State())

	resp := f.post(t, id, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := readResponse(t, resp)
	require.NotNil(t, out.Error)
	assert.Equal(t, jsonrpc.CodeSessionClosed, out.Error.Code)

	// the in-flight call still completes, then the session closes
	f.gates.open("a")
	<-done
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeResponse(t, rec.Body.Bytes()).Error)
	<-sess.Done()
}

func TestHealth(t *testing.T) {
	f := newFixture(t, streamable.Options{})

	resp, err := f.srv.Client().Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.sessions.Shutdown(ctx))

	resp, err = f.srv.Client().Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// no new sessions once shutdown began
	assert.Equal(t, http.StatusServiceUnavailable, f.post(t, "", initializeRequest).StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, streamable.Options{AllowedOrigins: []string{"https://app.example"}})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodOptions, f.url, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type, mcp-session-id")
	resp := f.do(t, req)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequestWithContext(t.Context(), http.MethodPost, f.url, strings.NewReader(initializeRequest))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://app.example")
	resp = f.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), streamable.HeaderSessionID)
}

func TestNewValidation(t *testing.T) {
	server, err := mcp.NewServer(mcp.NewRegistry(), mcp.Implementation{Name: "test", Version: "1.0"})
	require.NoError(t, err)
	defer server.Close()
	sessions := session.NewRegistry()

	_, err = streamable.New(nil, sessions, streamable.Options{})
	assert.Error(t, err)
	_, err = streamable.New(server, nil, streamable.Options{})
	assert.Error(t, err)
	_, err = streamable.New(server, sessions, streamable.Options{Path: "mcp"})
	assert.Error(t, err)
	_, err = streamable.New(server, sessions, streamable.Options{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]streamable.Mode{
		"":        streamable.ModeJSON,
		"json":    streamable.ModeJSON,
		" STREAM": streamable.ModeStream,
	} {
		got, err := streamable.ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := streamable.ParseMode("sse")
	assert.Error(t, err)
}
