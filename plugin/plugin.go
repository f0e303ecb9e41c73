package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-nugetplugin/connection"
	"github.com/smnsjas/go-nugetplugin/dispatch"
	"github.com/smnsjas/go-nugetplugin/messages"
)

// ErrPluginUnavailable reports a dispatch that produced nothing because the
// plugin has no usable connection.
var ErrPluginUnavailable = errors.New("plugin unavailable")

// idNamespace salts deterministic plugin ids so an id derived from a path
// cannot collide with ids minted elsewhere.
var idNamespace = uuid.MustParse("f2073b42-5af0-4d79-9a63-7e1c0c2f8214")

// PackageSource identifies the feed a plugin operates against.
type PackageSource struct {
	// SourceURL is the package source repository location.
	SourceURL string
	// ServiceIndex is the source's service index document, when known.
	ServiceIndex json.RawMessage
}

// Plugin is one running plugin subprocess with its negotiated connection.
// Instances come from a Factory.
type Plugin struct {
	id   string
	name string
	path string

	proc Process
	conn *connection.Connection
	disp *dispatch.Dispatcher

	logger          *slog.Logger
	protocolVersion string

	once   *onceMap
	claims *claimsCache

	idleTimeout time.Duration
	idleTimer   *time.Timer

	mu       sync.Mutex
	closed   bool
	onClosed []func(*Plugin)

	closeOnce sync.Once
	done      chan struct{}
}

func newPlugin(path string, proc Process, conn *connection.Connection, disp *dispatch.Dispatcher, idleTimeout time.Duration, logger *slog.Logger) *Plugin {
	p := &Plugin{
		id:          uuid.NewSHA1(idNamespace, []byte(path)).String(),
		name:        filepath.Base(path),
		path:        path,
		proc:        proc,
		conn:        conn,
		disp:        disp,
		logger:      logger,
		once:        newOnceMap(),
		claims:      newClaimsCache(),
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		p.idleTimer = time.AfterFunc(idleTimeout, func() {
			p.logger.Debug("plugin idle, closing", "plugin", p.name)
			_ = p.Close()
		})
	}
	disp.SetActivityListener(p.touch)

	// Process death tears the plugin down.
	go func() {
		select {
		case <-p.proc.Exited():
			_ = p.Close()
		case <-p.done:
		}
	}()

	return p
}

// touch pushes the idle clock back out. The dispatcher calls it on every
// frame in either direction.
func (p *Plugin) touch() {
	p.mu.Lock()
	if !p.closed && p.idleTimer != nil {
		p.idleTimer.Reset(p.idleTimeout)
	}
	p.mu.Unlock()
}

// ID is the deterministic identifier derived from the executable path.
func (p *Plugin) ID() string { return p.id }

// Name is the executable's base name.
func (p *Plugin) Name() string { return p.name }

// Path is the executable's path as given to the factory.
func (p *Plugin) Path() string { return p.path }

// ProtocolVersion is the version the handshake settled on.
func (p *Plugin) ProtocolVersion() string { return p.protocolVersion }

// Dispatcher exposes the plugin's request runtime for resource adapters.
func (p *Plugin) Dispatcher() *dispatch.Dispatcher { return p.disp }

// Closed reports whether Close has begun.
func (p *Plugin) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Done closes once the plugin is fully torn down.
func (p *Plugin) Done() <-chan struct{} { return p.done }

// OnClosed registers fn to run after the plugin has closed. Registering on
// an already-closed plugin runs fn immediately.
func (p *Plugin) OnClosed(fn func(*Plugin)) {
	p.mu.Lock()
	if !p.closed {
		p.onClosed = append(p.onClosed, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn(p)
}

// DoOnce runs fn at most once per plugin lifetime under key. The first
// caller executes; concurrent and later callers share the first result,
// success or failure.
func (p *Plugin) DoOnce(ctx context.Context, key string, fn func() error) error {
	return p.once.Do(ctx, key, fn)
}

// Initialize tells the plugin who its client is. Repeat calls collapse to
// the first result for the plugin's lifetime.
func (p *Plugin) Initialize(ctx context.Context, clientVersion, culture string, requestTimeout time.Duration) error {
	return p.DoOnce(ctx, "initialize", func() error {
		resp, err := dispatch.DispatchRequest[messages.InitializeRequest, messages.InitializeResponse](
			ctx, p.disp, messages.MethodInitialize, &messages.InitializeRequest{
				ClientVersion:  clientVersion,
				Culture:        culture,
				RequestTimeout: messages.TimeSpan(requestTimeout),
			})
		if err != nil {
			return fmt.Errorf("initialize plugin %s: %w", p.name, err)
		}
		if resp == nil {
			return ErrPluginUnavailable
		}
		if resp.ResponseCode != messages.ResponseSuccess {
			return fmt.Errorf("initialize plugin %s: response code %s", p.name, resp.ResponseCode)
		}
		return nil
	})
}

// claimsCache remembers each package source's operation claims for the
// plugin's lifetime, collapsing concurrent lookups into one wire request.
type claimsCache struct {
	mu      sync.Mutex
	entries map[string]*claimsEntry
}

type claimsEntry struct {
	done   chan struct{}
	claims []messages.OperationClaim
	err    error
}

func newClaimsCache() *claimsCache {
	return &claimsCache{entries: make(map[string]*claimsEntry)}
}

// OperationClaims asks the plugin what it can do for source. The answer is
// cached for the plugin's lifetime; concurrent callers for one source share
// a single wire request, and a failure is remembered like a success.
func (p *Plugin) OperationClaims(ctx context.Context, source *PackageSource) ([]messages.OperationClaim, error) {
	if source == nil {
		return nil, errors.New("nil package source")
	}

	p.claims.mu.Lock()
	entry, ok := p.claims.entries[source.SourceURL]
	if !ok {
		entry = &claimsEntry{done: make(chan struct{})}
		p.claims.entries[source.SourceURL] = entry
		p.claims.mu.Unlock()

		resp, err := dispatch.DispatchRequest[messages.GetOperationClaimsRequest, messages.GetOperationClaimsResponse](
			ctx, p.disp, messages.MethodGetOperationClaims, &messages.GetOperationClaimsRequest{
				PackageSourceRepository: source.SourceURL,
				ServiceIndex:            source.ServiceIndex,
			})
		switch {
		case err != nil:
			entry.err = fmt.Errorf("operation claims from %s: %w", p.name, err)
		case resp == nil:
			entry.err = ErrPluginUnavailable
		default:
			entry.claims = resp.Claims
		}
		close(entry.done)
		return entry.claims, entry.err
	}
	p.claims.mu.Unlock()

	select {
	case <-entry.done:
		return entry.claims, entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the plugin down: the idle clock stops, the plugin gets a
// best-effort Close frame, the connection and dispatcher shut, and the
// process is killed. Close is idempotent and never fails.
func (p *Plugin) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		if p.idleTimer != nil {
			p.idleTimer.Stop()
		}
		onClosed := p.onClosed
		p.onClosed = nil
		p.mu.Unlock()

		if msg, err := messages.NewRequest(uuid.NewString(), messages.MethodClose, nil); err == nil {
			_ = p.conn.Send(msg)
		}
		_ = p.conn.Close()
		_ = p.disp.Close()
		if err := p.proc.Kill(); err != nil {
			p.logger.Debug("plugin process kill", "plugin", p.name, "error", err)
		}
		close(p.done)
		for _, fn := range onClosed {
			fn(p)
		}
	})
	return nil
}
