package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/bpowers/mcpd/jsonrpc"
)

var (
	// ErrCancelled resolves calls released by session close or by the client.
	ErrCancelled = errors.New("request cancelled")
	// ErrTimeout resolves calls that outlived the per-call timeout.
	ErrTimeout = errors.New("request timed out")
)

// PendingCall is a request awaiting its response. It resolves exactly
// once, from whichever comes first: the handler, the call timeout,
// client cancellation, or session close.
type PendingCall struct {
	id     json.RawMessage
	method string
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// deliver publishes the response when no waiter is attached.
	deliver func(*jsonrpc.Response)
	onDone  func(*PendingCall)

	mu        sync.Mutex
	timer     clockwork.Timer
	resp      *jsonrpc.Response
	detached  bool
	delivered bool
	silent    bool
}

// rejected returns an already-resolved call that was never tracked.
func rejected(id json.RawMessage, err error) *PendingCall {
	ctx, cancel := context.WithCancelCause(context.Background())
	p := &PendingCall{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.Fail(err)
	return p
}

func (p *PendingCall) ID() json.RawMessage { return p.id }

func (p *PendingCall) Method() string { return p.method }

// Context is cancelled when the call resolves; its cause says why.
func (p *PendingCall) Context() context.Context { return p.ctx }

// Done is closed once the call has a response.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Response returns the response, or nil before Done is closed.
func (p *PendingCall) Response() *jsonrpc.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resp
}

// Abandoned reports whether the client cancelled the call, in which case
// no response may be sent.
func (p *PendingCall) Abandoned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.silent
}

// Resolve records resp as the call's response. It reports false when the
// call had already resolved.
func (p *PendingCall) Resolve(resp *jsonrpc.Response) bool {
	return p.resolve(resp, false)
}

// Fail resolves the call with the error response matching err.
func (p *PendingCall) Fail(err error) bool {
	p.cancel(err)
	return p.resolve(errorResponse(p.id, err), false)
}

// Abandon resolves the call without sending any response, as required
// when the client itself cancelled the request.
func (p *PendingCall) Abandon(reason error) bool {
	p.cancel(reason)
	return p.resolve(errorResponse(p.id, ErrCancelled), true)
}

// Detach hands the call over to the session stream: the response is
// published as an SSE event instead of being read by a waiter.
func (p *PendingCall) Detach() {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return
	}
	p.detached = true
	resp := p.takeDeliveryLocked()
	p.mu.Unlock()

	if resp != nil {
		p.deliver(resp)
	}
}

func (p *PendingCall) resolve(resp *jsonrpc.Response, silent bool) bool {
	p.mu.Lock()
	if p.resp != nil {
		p.mu.Unlock()
		return false
	}
	p.resp = resp
	p.silent = silent
	out := p.takeDeliveryLocked()
	timer := p.timer
	p.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	p.cancel(context.Canceled)
	close(p.done)

	if out != nil {
		p.deliver(out)
	}
	if p.onDone != nil {
		p.onDone(p)
	}
	return true
}

func (p *PendingCall) takeDeliveryLocked() *jsonrpc.Response {
	if !p.detached || p.resp == nil || p.silent || p.delivered || p.deliver == nil {
		return nil
	}
	p.delivered = true
	return p.resp
}

func errorResponse(id json.RawMessage, err error) *jsonrpc.Response {
	switch {
	case errors.Is(err, ErrTimeout):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeRequestTimeout, "request timed out", nil)
	case errors.Is(err, ErrCancelled):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeCancelled, "request cancelled", nil)
	case errors.Is(err, ErrDraining), errors.Is(err, ErrClosed):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeSessionClosed, "session is closing", err.Error())
	case errors.Is(err, ErrShuttingDown):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeSessionClosed, "server shutting down", nil)
	case errors.Is(err, ErrDuplicateID):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInvalidRequest, "duplicate request id", nil)
	default:
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "internal error", err.Error())
	}
}
