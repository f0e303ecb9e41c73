package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/smnsjas/go-nugetplugin/messages"
)

// ProgressFunc receives progress notifications for an outstanding request.
type ProgressFunc func(*messages.Progress)

// outboundContext tracks one request sent to the plugin until a terminal
// response, fault, cancellation, or timeout settles it.
type outboundContext struct {
	requestID  string
	method     messages.MessageMethod
	keepAlive  bool
	timeout    time.Duration
	onProgress ProgressFunc

	mu        sync.Mutex
	timer     *time.Timer
	completed bool
	resp      *messages.Message
	err       error

	done chan struct{}
}

func newOutboundContext(requestID string, method messages.MessageMethod, timeout time.Duration, onProgress ProgressFunc) *outboundContext {
	return &outboundContext{
		requestID:  requestID,
		method:     method,
		keepAlive:  method != messages.MethodHandshake,
		timeout:    timeout,
		onProgress: onProgress,
		done:       make(chan struct{}),
	}
}

// arm starts the expiry clock. Call it once the request frame is on the
// wire; a non-positive timeout leaves the request unbounded.
func (o *outboundContext) arm(onExpire func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.completed || o.timer != nil || o.timeout <= 0 {
		return
	}
	o.timer = time.AfterFunc(o.timeout, onExpire)
}

// handleProgress forwards the notification and, for keep-alive methods,
// pushes the expiry clock back out to a full timeout. Handshake never
// extends.
func (o *outboundContext) handleProgress(p *messages.Progress) {
	o.mu.Lock()
	if !o.completed && o.keepAlive && o.timer != nil {
		o.timer.Reset(o.timeout)
	}
	fn := o.onProgress
	o.mu.Unlock()
	if fn != nil && p != nil {
		fn(p)
	}
}

// complete records the terminal outcome and releases the waiter. The first
// call wins; a response racing a timeout is dropped by whichever loses.
func (o *outboundContext) complete(resp *messages.Message, err error) bool {
	o.mu.Lock()
	if o.completed {
		o.mu.Unlock()
		return false
	}
	o.completed = true
	o.resp = resp
	o.err = err
	if o.timer != nil {
		o.timer.Stop()
	}
	o.mu.Unlock()
	close(o.done)
	return true
}

func (o *outboundContext) outcome() (*messages.Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resp, o.err
}

// inboundContext tracks one request received from the plugin while its
// handler runs. Canceling the context tells the handler the plugin no
// longer wants an answer.
type inboundContext struct {
	requestID string
	method    messages.MessageMethod
	ctx       context.Context
	cancel    context.CancelFunc
}
