package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/singleflight"

	"github.com/smnsjas/go-nugetplugin/connection"
	"github.com/smnsjas/go-nugetplugin/dispatch"
	"github.com/smnsjas/go-nugetplugin/handlers"
	"github.com/smnsjas/go-nugetplugin/messages"
)

var (
	// ErrFactoryClosed reports plugin creation attempted after Close.
	ErrFactoryClosed = errors.New("plugin factory closed")

	// ErrProtocolIncompatible reports a handshake that found no protocol
	// version both sides speak.
	ErrProtocolIncompatible = errors.New("incompatible plugin protocol")
)

const (
	// DefaultHandshakeTimeout bounds protocol negotiation with a fresh
	// plugin process.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultIdleTimeout closes a plugin that has seen no traffic.
	DefaultIdleTimeout = 2 * time.Minute
)

// ConnectionOptions configure the protocol conversation with one plugin.
type ConnectionOptions struct {
	// ProtocolVersion is the newest protocol this client speaks.
	ProtocolVersion string
	// MinimumProtocolVersion is the oldest protocol this client accepts.
	MinimumProtocolVersion string
	// HandshakeTimeout bounds the version negotiation.
	HandshakeTimeout time.Duration
	// RequestTimeout bounds each request after the handshake.
	RequestTimeout time.Duration
}

func (o *ConnectionOptions) withDefaults() ConnectionOptions {
	var out ConnectionOptions
	if o != nil {
		out = *o
	}
	if out.ProtocolVersion == "" {
		out.ProtocolVersion = messages.ProtocolVersion
	}
	if out.MinimumProtocolVersion == "" {
		out.MinimumProtocolVersion = messages.MinimumProtocolVersion
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = dispatch.DefaultRequestTimeout
	}
	return out
}

// FactoryOptions configure plugin creation.
type FactoryOptions struct {
	// IdleTimeout closes a plugin with no traffic for the duration. Zero
	// means DefaultIdleTimeout; negative disables the idle clock.
	IdleTimeout time.Duration

	Logger *slog.Logger

	// Launch starts plugin executables. Nil spawns real subprocesses.
	Launch LaunchFunc
}

func (o *FactoryOptions) withDefaults() FactoryOptions {
	var out FactoryOptions
	if o != nil {
		out = *o
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Launch == nil {
		out.Launch = defaultLaunch
	}
	return out
}

// Factory spawns plugin subprocesses and reuses healthy ones by executable
// path.
type Factory struct {
	idleTimeout time.Duration
	logger      *slog.Logger
	launch      LaunchFunc

	group singleflight.Group

	mu     sync.Mutex
	live   map[string]*Plugin
	closed bool
}

// NewFactory builds a Factory.
func NewFactory(opts *FactoryOptions) *Factory {
	o := opts.withDefaults()
	return &Factory{
		idleTimeout: o.IdleTimeout,
		logger:      o.Logger,
		launch:      o.Launch,
		live:        make(map[string]*Plugin),
	}
}

// GetOrCreate returns the live plugin at path or spawns one: process,
// connection, dispatcher, then the handshake, all before anyone else may
// talk to it. Concurrent callers for one path share a single spawn. A
// creation that fails is forgotten, so a later call may retry.
func (f *Factory) GetOrCreate(ctx context.Context, path string, args []string, registry *handlers.Registry, connOpts *ConnectionOptions) (*Plugin, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFactoryClosed
	}
	if p, ok := f.live[path]; ok && !p.Closed() {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	v, err, _ := f.group.Do(path, func() (any, error) {
		// A plugin may have landed between the cache miss and this flight.
		f.mu.Lock()
		if p, ok := f.live[path]; ok && !p.Closed() {
			f.mu.Unlock()
			return p, nil
		}
		f.mu.Unlock()

		p, err := f.create(ctx, path, args, registry, connOpts)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		closed := f.closed
		if !closed {
			f.live[path] = p
		}
		f.mu.Unlock()
		if closed {
			_ = p.Close()
			return nil, ErrFactoryClosed
		}
		p.OnClosed(f.evict)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plugin), nil
}

func (f *Factory) create(ctx context.Context, path string, args []string, registry *handlers.Registry, connOpts *ConnectionOptions) (*Plugin, error) {
	co := connOpts.withDefaults()

	launched, err := f.launch(path, args, f.logger)
	if err != nil {
		return nil, fmt.Errorf("launch plugin %s: %w", path, err)
	}

	conn := connection.New(launched.Stdout, launched.Stdin, &connection.Options{Logger: f.logger})
	disp := dispatch.New(registry, &dispatch.Options{RequestTimeout: co.RequestTimeout, Logger: f.logger})
	disp.SetConnection(conn)

	p := newPlugin(path, launched.Process, conn, disp, f.idleTimeout, f.logger)
	conn.Start()

	version, err := handshake(ctx, disp, &co)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("handshake with %s: %w", path, err)
	}
	p.protocolVersion = version

	f.logger.Debug("plugin ready", "plugin", p.Name(), "protocolVersion", version)
	return p, nil
}

// handshake negotiates the protocol version. The plugin answers with the
// highest version both sides speak; anything outside our window makes the
// plugin unusable.
func handshake(ctx context.Context, disp *dispatch.Dispatcher, co *ConnectionOptions) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, co.HandshakeTimeout)
	defer cancel()

	resp, err := dispatch.DispatchRequest[messages.HandshakeRequest, messages.HandshakeResponse](
		hctx, disp, messages.MethodHandshake, &messages.HandshakeRequest{
			ProtocolVersion:        co.ProtocolVersion,
			MinimumProtocolVersion: co.MinimumProtocolVersion,
		},
		dispatch.WithTimeout(co.HandshakeTimeout))
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", ErrPluginUnavailable
	}
	if resp.ResponseCode != messages.ResponseSuccess {
		return "", fmt.Errorf("%w: plugin answered %s", ErrProtocolIncompatible, resp.ResponseCode)
	}

	negotiated, err := semver.NewVersion(resp.ProtocolVersion)
	if err != nil {
		return "", fmt.Errorf("parse negotiated version %q: %w", resp.ProtocolVersion, err)
	}
	lower, err := semver.NewVersion(co.MinimumProtocolVersion)
	if err != nil {
		return "", fmt.Errorf("parse minimum protocol version %q: %w", co.MinimumProtocolVersion, err)
	}
	upper, err := semver.NewVersion(co.ProtocolVersion)
	if err != nil {
		return "", fmt.Errorf("parse protocol version %q: %w", co.ProtocolVersion, err)
	}
	if negotiated.LessThan(lower) || negotiated.GreaterThan(upper) {
		return "", fmt.Errorf("%w: negotiated %s outside [%s, %s]", ErrProtocolIncompatible, negotiated, lower, upper)
	}
	return negotiated.String(), nil
}

func (f *Factory) evict(p *Plugin) {
	f.mu.Lock()
	if cur, ok := f.live[p.Path()]; ok && cur == p {
		delete(f.live, p.Path())
	}
	f.mu.Unlock()
}

// Close closes every live plugin. Further GetOrCreate calls fail with
// ErrFactoryClosed. Idempotent.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	plugins := make([]*Plugin, 0, len(f.live))
	for _, p := range f.live {
		plugins = append(plugins, p)
	}
	f.live = make(map[string]*Plugin)
	f.mu.Unlock()

	for _, p := range plugins {
		_ = p.Close()
	}
	return nil
}
