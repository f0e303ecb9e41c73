package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-nugetplugin/connection"
	"github.com/smnsjas/go-nugetplugin/handlers"
	"github.com/smnsjas/go-nugetplugin/messages"
)

var (
	// ErrDispatcherClosed reports an operation attempted after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrNoConnection reports a dispatch attempted before a connection
	// was bound.
	ErrNoConnection = errors.New("no connection")

	// ErrRequestTimeout reports an outstanding request whose expiry clock
	// ran out before the plugin answered.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRequestCanceled reports an outstanding request withdrawn by a
	// cancellation, ours or the plugin's.
	ErrRequestCanceled = errors.New("request canceled")
)

// ProtocolError reports a frame that breaks the conversation's rules, such
// as a fault that matches no outstanding request. The connection survives a
// protocol error.
type ProtocolError struct {
	RequestID string
	Type      messages.MessageType
	Method    messages.MessageMethod
	Reason    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s (request %q, type %s, method %s)",
		e.Reason, e.RequestID, e.Type, e.Method)
}

// FaultError carries the fault payload the plugin sent in place of a
// response.
type FaultError struct {
	RequestID string
	Method    messages.MessageMethod
	Message   string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("plugin fault for %s request %q: %s", e.Method, e.RequestID, e.Message)
}

// Conn is the slice of the wire connection the dispatcher drives.
// *connection.Connection satisfies it.
type Conn interface {
	Send(*messages.Message) error
	SetObserver(connection.Observer)
}

// DefaultRequestTimeout bounds an outbound request that carries no
// per-request override.
const DefaultRequestTimeout = 10 * time.Second

// Options configure a Dispatcher.
type Options struct {
	// RequestTimeout bounds each outbound request, progress permitting.
	// Zero means DefaultRequestTimeout; negative disables the clock.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Dispatcher correlates request and response traffic in both directions
// over one plugin connection. It implements connection.Observer; binding it
// with SetConnection wires the two together.
type Dispatcher struct {
	registry *handlers.Registry
	logger   *slog.Logger
	timeout  time.Duration

	// baseCtx parents every inbound handler invocation so Close can
	// cancel them all.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	conn       Conn
	closed     bool
	onActivity func()

	outbound sync.Map // request id -> *outboundContext
	inbound  sync.Map // request id -> *inboundContext

	closeOnce sync.Once
}

// New builds a Dispatcher that serves inbound requests from registry. A nil
// registry answers every inbound request with a fault.
func New(registry *handlers.Registry, opts *Options) *Dispatcher {
	o := opts.withDefaults()
	if registry == nil {
		registry = handlers.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:   registry,
		logger:     o.Logger,
		timeout:    o.RequestTimeout,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Registry exposes the handler registry serving inbound requests.
func (d *Dispatcher) Registry() *handlers.Registry { return d.registry }

// SetConnection binds the dispatcher to a connection, replacing any
// previous binding and registering the dispatcher as its observer.
func (d *Dispatcher) SetConnection(conn Conn) {
	d.mu.Lock()
	prev := d.conn
	d.conn = conn
	d.mu.Unlock()
	if prev != nil && prev != conn {
		prev.SetObserver(nil)
	}
	if conn != nil {
		conn.SetObserver(d)
	}
}

// SetActivityListener registers fn to run on every frame sent or received.
// An idle clock hangs off this.
func (d *Dispatcher) SetActivityListener(fn func()) {
	d.mu.Lock()
	d.onActivity = fn
	d.mu.Unlock()
}

func (d *Dispatcher) notifyActivity() {
	d.mu.Lock()
	fn := d.onActivity
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// connection returns the bound connection, or nil after Close or before
// SetConnection.
func (d *Dispatcher) connection() Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	return d.conn
}

// RequestOption tweaks a single dispatched request.
type RequestOption func(*requestConfig)

type requestConfig struct {
	timeout    time.Duration
	onProgress ProgressFunc
}

// WithTimeout overrides the dispatcher's request timeout for one request.
// Non-positive disables the clock.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(c *requestConfig) { c.timeout = timeout }
}

// WithProgress registers fn to receive the plugin's progress notifications
// for one request.
func WithProgress(fn ProgressFunc) RequestOption {
	return func(c *requestConfig) { c.onProgress = fn }
}

// DispatchRequest sends method to the plugin and decodes the eventual
// response payload. It blocks until the plugin answers, the request expires,
// or ctx is canceled; cancellation sends a best-effort cancel frame so the
// plugin can abandon the work. A dispatcher with no bound connection
// returns (nil, nil).
func DispatchRequest[TReq, TResp any](ctx context.Context, d *Dispatcher, method messages.MessageMethod, payload *TReq, opts ...RequestOption) (*TResp, error) {
	resp, err := d.dispatchRequest(ctx, method, payload, opts...)
	if err != nil || resp == nil {
		return nil, err
	}
	return messages.DecodePayload[TResp](resp)
}

func (d *Dispatcher) dispatchRequest(ctx context.Context, method messages.MessageMethod, payload any, opts ...RequestOption) (*messages.Message, error) {
	cfg := requestConfig{timeout: d.timeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	d.mu.Lock()
	closed := d.closed
	conn := d.conn
	d.mu.Unlock()
	if closed {
		return nil, ErrDispatcherClosed
	}
	if conn == nil {
		return nil, nil
	}

	req, err := messages.NewRequest(uuid.NewString(), method, payload)
	if err != nil {
		return nil, err
	}

	octx := newOutboundContext(req.RequestID, method, cfg.timeout, cfg.onProgress)
	d.outbound.Store(req.RequestID, octx)
	defer d.outbound.Delete(req.RequestID)

	if err := conn.Send(req); err != nil {
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}
	d.notifyActivity()

	octx.arm(func() {
		if octx.complete(nil, fmt.Errorf("%s request %q: %w", method, req.RequestID, ErrRequestTimeout)) {
			d.logger.Debug("request expired", "method", method, "requestId", req.RequestID)
		}
	})

	select {
	case <-octx.done:
	case <-ctx.Done():
		if octx.complete(nil, fmt.Errorf("%s request %q: %w", method, req.RequestID, ctx.Err())) {
			d.sendCancel(req.RequestID, method)
		}
	case <-d.baseCtx.Done():
		octx.complete(nil, ErrDispatcherClosed)
	}

	return octx.outcome()
}

// sendCancel tells the plugin to abandon an outstanding request. Failures
// are ignored; the request is already settled on our side.
func (d *Dispatcher) sendCancel(requestID string, method messages.MessageMethod) {
	msg, err := messages.NewCancel(requestID, method)
	if err != nil {
		return
	}
	if conn := d.connection(); conn != nil {
		if err := conn.Send(msg); err == nil {
			d.notifyActivity()
		}
	}
}

// OnMessageReceived routes one frame from the connection. It implements
// connection.Observer.
func (d *Dispatcher) OnMessageReceived(msg *messages.Message) {
	d.notifyActivity()
	if msg == nil {
		return
	}

	if v, ok := d.outbound.Load(msg.RequestID); ok {
		octx := v.(*outboundContext)
		switch msg.Type {
		case messages.TypeResponse:
			octx.complete(msg, nil)
		case messages.TypeProgress:
			p, err := messages.DecodePayload[messages.Progress](msg)
			if err != nil {
				d.logger.Debug("discarding malformed progress payload",
					"requestId", msg.RequestID, "error", err)
				p = nil
			}
			octx.handleProgress(p)
		case messages.TypeFault:
			octx.complete(nil, faultErrorFrom(msg))
		case messages.TypeCancel:
			octx.complete(nil, fmt.Errorf("%s request %q: %w", msg.Method, msg.RequestID, ErrRequestCanceled))
		default:
			d.protocolError(msg, "unrecognized message type")
		}
		return
	}

	switch msg.Type {
	case messages.TypeRequest:
		d.handleInbound(msg)
	case messages.TypeCancel:
		d.cancelInbound(msg)
	case messages.TypeFault:
		d.protocolError(msg, "fault does not match an outstanding request")
	default:
		d.protocolError(msg, "message does not match an outstanding request")
	}
}

// OnFaulted implements connection.Observer. Transport loss settles every
// outstanding request and cancels every running handler.
func (d *Dispatcher) OnFaulted(err error) {
	d.failOutstanding(fmt.Errorf("connection faulted: %w", err))
}

func (d *Dispatcher) failOutstanding(err error) {
	d.outbound.Range(func(key, value any) bool {
		value.(*outboundContext).complete(nil, err)
		d.outbound.Delete(key)
		return true
	})
	d.inbound.Range(func(key, value any) bool {
		value.(*inboundContext).cancel()
		d.inbound.Delete(key)
		return true
	})
}

func (d *Dispatcher) protocolError(msg *messages.Message, reason string) {
	d.logger.Warn("protocol error",
		"requestId", msg.RequestID, "type", msg.Type, "method", msg.Method, "reason", reason)
}

func faultErrorFrom(msg *messages.Message) error {
	fault, err := messages.DecodePayload[messages.Fault](msg)
	if err != nil {
		return &FaultError{RequestID: msg.RequestID, Method: msg.Method, Message: "fault carried no readable payload"}
	}
	return &FaultError{RequestID: msg.RequestID, Method: msg.Method, Message: fault.Message}
}

// handleInbound serves a fresh request from the plugin on its own
// goroutine. A method nothing is registered for is answered with a fault so
// the plugin is not left waiting.
func (d *Dispatcher) handleInbound(msg *messages.Message) {
	handler, ok := d.registry.Get(msg.Method)
	if !ok {
		d.protocolError(msg, "no handler for this method")
		d.replyFault(msg, fmt.Sprintf("no handler for method %s", msg.Method))
		return
	}

	ictx := &inboundContext{requestID: msg.RequestID, method: msg.Method}
	ictx.ctx, ictx.cancel = context.WithCancel(d.baseCtx)
	if _, loaded := d.inbound.LoadOrStore(msg.RequestID, ictx); loaded {
		ictx.cancel()
		d.protocolError(msg, "request id already in flight")
		return
	}

	go d.runHandler(ictx, handler, msg)
}

func (d *Dispatcher) runHandler(ictx *inboundContext, handler handlers.Handler, req *messages.Message) {
	payload, err := handler.Handle(ictx.ctx, req)

	if _, ok := d.inbound.LoadAndDelete(ictx.requestID); !ok {
		// An out-of-band response already closed this conversation.
		ictx.cancel()
		return
	}
	defer ictx.cancel()

	if ictx.ctx.Err() != nil {
		// Canceled while running. The plugin no longer wants an answer.
		return
	}

	if err != nil {
		d.logger.Debug("handler failed", "method", req.Method, "requestId", req.RequestID, "error", err)
		d.replyFault(req, err.Error())
		return
	}

	resp, err := messages.NewResponse(req.RequestID, req.Method, payload)
	if err != nil {
		d.replyFault(req, fmt.Sprintf("encode response: %s", err))
		return
	}
	if conn := d.connection(); conn != nil {
		if err := conn.Send(resp); err == nil {
			d.notifyActivity()
		}
	}
}

func (d *Dispatcher) replyFault(req *messages.Message, text string) {
	fault, err := messages.NewFault(req.RequestID, req.Method, text)
	if err != nil {
		return
	}
	if conn := d.connection(); conn != nil {
		if err := conn.Send(fault); err == nil {
			d.notifyActivity()
		}
	}
}

func (d *Dispatcher) cancelInbound(msg *messages.Message) {
	v, ok := d.inbound.Load(msg.RequestID)
	if !ok {
		d.protocolError(msg, "cancel does not match an outstanding request")
		return
	}
	// The entry stays in the table so the handler's return path still
	// finds it and sees the cancellation.
	v.(*inboundContext).cancel()
}

// DispatchResponse answers the plugin's outstanding request out of band.
// The handler's eventual return value is suppressed. The inbound context is
// torn down whether or not the send succeeds.
func (d *Dispatcher) DispatchResponse(requestID string, method messages.MessageMethod, payload any) error {
	v, ok := d.inbound.LoadAndDelete(requestID)
	if !ok {
		return &ProtocolError{RequestID: requestID, Type: messages.TypeResponse, Method: method,
			Reason: "response does not match an outstanding request"}
	}
	v.(*inboundContext).cancel()

	resp, err := messages.NewResponse(requestID, method, payload)
	if err != nil {
		return err
	}
	return d.sendFrame(resp)
}

// DispatchProgress reports progress on the plugin's outstanding request,
// keeping the plugin's side of the conversation alive.
func (d *Dispatcher) DispatchProgress(requestID string, method messages.MessageMethod, progress *messages.Progress) error {
	if _, ok := d.inbound.Load(requestID); !ok {
		return &ProtocolError{RequestID: requestID, Type: messages.TypeProgress, Method: method,
			Reason: "progress does not match an outstanding request"}
	}
	msg, err := messages.NewProgress(requestID, method, progress)
	if err != nil {
		return err
	}
	return d.sendFrame(msg)
}

// DispatchFault reports a fault on a request this dispatcher sent, settling
// it locally with a FaultError. A fault that matches no outstanding request
// is a protocol error and nothing is sent.
func (d *Dispatcher) DispatchFault(requestID string, method messages.MessageMethod, text string) error {
	v, ok := d.outbound.Load(requestID)
	if !ok {
		return &ProtocolError{RequestID: requestID, Type: messages.TypeFault, Method: method,
			Reason: "fault does not match an outstanding request"}
	}

	fault, err := messages.NewFault(requestID, method, text)
	if err != nil {
		return err
	}
	if err := d.sendFrame(fault); err != nil {
		return err
	}
	v.(*outboundContext).complete(nil, &FaultError{RequestID: requestID, Method: method, Message: text})
	return nil
}

// DispatchCancel asks the plugin to abandon a request this dispatcher sent
// and settles it locally with ErrRequestCanceled.
func (d *Dispatcher) DispatchCancel(requestID string, method messages.MessageMethod) error {
	v, ok := d.outbound.Load(requestID)
	if !ok {
		return &ProtocolError{RequestID: requestID, Type: messages.TypeCancel, Method: method,
			Reason: "cancel does not match an outstanding request"}
	}

	msg, err := messages.NewCancel(requestID, method)
	if err != nil {
		return err
	}
	if err := d.sendFrame(msg); err != nil {
		return err
	}
	v.(*outboundContext).complete(nil, fmt.Errorf("%s request %q: %w", method, requestID, ErrRequestCanceled))
	return nil
}

func (d *Dispatcher) sendFrame(msg *messages.Message) error {
	d.mu.Lock()
	closed := d.closed
	conn := d.conn
	d.mu.Unlock()
	if closed {
		return ErrDispatcherClosed
	}
	if conn == nil {
		return ErrNoConnection
	}
	if err := conn.Send(msg); err != nil {
		return fmt.Errorf("send %s %s: %w", msg.Type, msg.Method, err)
	}
	d.notifyActivity()
	return nil
}

// Close releases the dispatcher. Outstanding requests settle with
// ErrDispatcherClosed and running handlers are canceled. The bound
// connection is left to its owner. Close is idempotent.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		conn := d.conn
		d.conn = nil
		d.mu.Unlock()
		if conn != nil {
			conn.SetObserver(nil)
		}
		d.baseCancel()
		d.failOutstanding(ErrDispatcherClosed)
	})
	return nil
}
