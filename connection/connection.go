package connection

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/smnsjas/go-nugetplugin/messages"
)

// ErrClosed is returned by Send after the connection reached its terminal
// state, and is the fault reported to the observer when that transition was
// a local Close.
var ErrClosed = errors.New("connection closed")

// Observer consumes inbound traffic and the terminal fault of a Connection.
// OnMessageReceived is called from the read loop goroutine, one message at a
// time; a slow observer stalls the connection.
type Observer interface {
	OnMessageReceived(msg *messages.Message)
	OnFaulted(err error)
}

// Options configures a Connection.
type Options struct {
	// Logger receives connection diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() *Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// Connection is a duplex, line-framed message channel over a reader/writer
// pair, typically a plugin subprocess's stdout and stdin.
type Connection struct {
	reader *bufio.Reader
	writer io.Writer
	logger *slog.Logger

	writeMu sync.Mutex

	obsMu    sync.RWMutex
	observer Observer

	startOnce sync.Once
	faultOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// New wraps r (frames from the plugin) and w (frames to the plugin) in a
// Connection. The read loop does not run until Start is called.
func New(r io.Reader, w io.Writer, opts *Options) *Connection {
	opts = opts.withDefaults()
	return &Connection{
		reader: bufio.NewReader(r),
		writer: w,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
}

// SetObserver binds the single consumer for inbound messages and faults.
// Passing nil unbinds. Frames that arrive while no observer is bound are
// dropped.
func (c *Connection) SetObserver(o Observer) {
	c.obsMu.Lock()
	c.observer = o
	c.obsMu.Unlock()
}

// Send writes msg as one frame. Concurrent calls are serialized; a frame is
// never interleaved with another. A failed write faults the connection.
func (c *Connection) Send(msg *messages.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if _, err := c.writer.Write(append(frame, '\n')); err != nil {
		err = fmt.Errorf("write frame: %w", err)
		c.fault(err)
		return err
	}
	return nil
}

// Start launches the read loop. Subsequent calls are no-ops.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// Done is closed once the connection reached its terminal state.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the terminal fault, or nil while the connection is live.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close moves the connection to its terminal state with ErrClosed. Safe to
// call any number of times and from any goroutine.
func (c *Connection) Close() error {
	c.fault(ErrClosed)
	return nil
}

func (c *Connection) readLoop() {
	for {
		line, readErr := c.reader.ReadString('\n')

		// A final frame can arrive without its terminating newline when the
		// plugin exits right after writing it.
		chunk := strings.TrimSpace(strings.TrimPrefix(line, "\xEF\xBB\xBF"))
		if chunk != "" {
			select {
			case <-c.done:
				return
			default:
			}
			msg, err := messages.Decode([]byte(chunk))
			if err != nil {
				c.fault(fmt.Errorf("read frame: %w", err))
				return
			}
			c.deliver(msg)
		}

		if readErr != nil {
			c.fault(readErr)
			return
		}
	}
}

func (c *Connection) deliver(msg *messages.Message) {
	c.obsMu.RLock()
	o := c.observer
	c.obsMu.RUnlock()
	if o == nil {
		c.logger.Debug("dropping frame, no observer bound",
			"type", msg.Type, "method", msg.Method, "requestID", msg.RequestID)
		return
	}
	o.OnMessageReceived(msg)
}

// fault performs the exactly-once terminal transition.
func (c *Connection) fault(err error) {
	c.faultOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)

		if !errors.Is(err, ErrClosed) && !errors.Is(err, io.EOF) {
			c.logger.Debug("connection faulted", "err", err)
		}

		c.obsMu.RLock()
		o := c.observer
		c.obsMu.RUnlock()
		if o != nil {
			o.OnFaulted(err)
		}
	})
}
