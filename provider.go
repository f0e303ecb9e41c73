package nugetplugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smnsjas/go-nugetplugin/discovery"
	"github.com/smnsjas/go-nugetplugin/dispatch"
	"github.com/smnsjas/go-nugetplugin/handlers"
	"github.com/smnsjas/go-nugetplugin/messages"
	"github.com/smnsjas/go-nugetplugin/plugin"
)

// PluginModeArg is the fixed argument every plugin executable is launched
// with so it enters plugin mode rather than whatever its default mode is.
const PluginModeArg = "-Plugin"

// ErrProviderClosed reports use of a Provider after Close.
var ErrProviderClosed = errors.New("plugin provider is closed")

// CreationResult reports one attempt to bring a discovered plugin up for a
// package source.
type CreationResult struct {
	// Plugin is the live plugin. Nil when the attempt failed; Message then
	// explains why.
	Plugin *plugin.Plugin
	// Claims lists the operations the plugin supports for the source.
	Claims []messages.OperationClaim
	// Message carries the failure reason for an unusable plugin.
	Message string
}

// Provider discovers plugin executables and turns them into live plugins
// for package sources on demand. Creation outcomes, failures included, are
// cached for the provider's lifetime, so a broken plugin is reported once
// instead of respawned on every call.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	// disc is nil when no search paths are configured; the subsystem is
	// then disabled and PluginsForSource never touches the filesystem.
	disc    *discovery.Discoverer
	factory *plugin.Factory

	connOpts plugin.ConnectionOptions
	// requestTimeout is what plugins are told during Initialize.
	requestTimeout time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	attempts map[string]*creationAttempt

	closeOnce sync.Once
}

// creationAttempt is the lifetime-cached outcome of creating one plugin.
type creationAttempt struct {
	done    chan struct{}
	plugin  *plugin.Plugin
	failure string
}

// NewProvider builds a Provider from cfg. With WatchSearchPaths set the
// discovery cache follows filesystem changes until Close.
func NewProvider(cfg *Config) *Provider {
	c := cfg.withDefaults()

	pv := &Provider{
		cfg:    c,
		logger: c.Logger,
		factory: plugin.NewFactory(&plugin.FactoryOptions{
			IdleTimeout: c.IdleTimeout,
			Logger:      c.Logger,
			Launch:      c.Launch,
		}),
		connOpts: plugin.ConnectionOptions{
			HandshakeTimeout: c.HandshakeTimeout,
			RequestTimeout:   c.RequestTimeout,
		},
		requestTimeout: c.RequestTimeout,
		attempts:       make(map[string]*creationAttempt),
	}
	if pv.requestTimeout == 0 {
		pv.requestTimeout = dispatch.DefaultRequestTimeout
	}
	pv.baseCtx, pv.baseCancel = context.WithCancel(context.Background())

	if len(c.SearchPaths) > 0 {
		pv.disc = discovery.New(&discovery.Config{SearchPaths: c.SearchPaths, Logger: c.Logger})
		if c.WatchSearchPaths {
			if err := pv.disc.Watch(pv.baseCtx); err != nil {
				c.Logger.Warn("plugin path watcher unavailable", "error", err)
			}
		}
	}
	return pv
}

// PluginsForSource returns one CreationResult per discovered candidate,
// creating plugins on first use. resolver answers the plugins' credential
// callbacks for this source; nil means the source needs none.
func (pv *Provider) PluginsForSource(ctx context.Context, source *plugin.PackageSource, resolver handlers.CredentialResolver) ([]CreationResult, error) {
	if source == nil {
		return nil, errors.New("source must not be nil")
	}
	if pv.disc == nil {
		return nil, nil
	}

	pv.mu.Lock()
	closed := pv.closed
	pv.mu.Unlock()
	if closed {
		return nil, ErrProviderClosed
	}

	files, err := pv.disc.Discover(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]CreationResult, 0, len(files))
	for _, f := range files {
		results = append(results, pv.resultFor(ctx, f, source, resolver))
	}
	return results, nil
}

func (pv *Provider) resultFor(ctx context.Context, file discovery.PluginFile, source *plugin.PackageSource, resolver handlers.CredentialResolver) CreationResult {
	if file.State != discovery.StateValid {
		msg := fmt.Sprintf("plugin %s unusable: %s", file.Path, file.State)
		if file.Reason != "" {
			msg += ": " + file.Reason
		}
		return CreationResult{Message: msg}
	}

	p, failure := pv.pluginFor(ctx, file.Path)
	if failure != "" {
		return CreationResult{Message: failure}
	}

	// Per-source wiring. TryAdd keeps the first handler when several
	// sources race for the same plugin; later sources are declined by the
	// winner's source check rather than overwriting it.
	if resolver != nil {
		h := handlers.NewCredentialsHandler(source.SourceURL, "", resolver)
		p.Dispatcher().Registry().TryAdd(messages.MethodGetCredentials, h)
	}

	claims, err := p.OperationClaims(ctx, source)
	if err != nil {
		return CreationResult{Message: fmt.Sprintf("operation claims from %s: %v", file.Path, err)}
	}
	return CreationResult{Plugin: p, Claims: claims}
}

// pluginFor returns the lifetime-cached plugin for path, creating it on
// first call. The failure string is set when the cached outcome is an
// error.
func (pv *Provider) pluginFor(ctx context.Context, path string) (*plugin.Plugin, string) {
	pv.mu.Lock()
	if pv.closed {
		pv.mu.Unlock()
		return nil, ErrProviderClosed.Error()
	}
	a, ok := pv.attempts[path]
	if !ok {
		a = &creationAttempt{done: make(chan struct{})}
		pv.attempts[path] = a
	}
	pv.mu.Unlock()

	if !ok {
		p, err := pv.create(ctx, path)
		if err != nil {
			a.failure = fmt.Sprintf("create plugin %s: %v", path, err)
			pv.logger.Debug("plugin creation failed", "path", path, "error", err)
		} else {
			a.plugin = p
		}
		close(a.done)
	} else {
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err().Error()
		}
	}

	if a.failure != "" {
		return nil, a.failure
	}
	return a.plugin, ""
}

// create spawns, handshakes and initializes the plugin at path, and
// registers the host-side callback handlers it may use.
func (pv *Provider) create(ctx context.Context, path string) (*plugin.Plugin, error) {
	reg := handlers.NewRegistry()
	reg.TryAdd(messages.MethodLog, handlers.NewLogHandler(pv.logger))

	p, err := pv.factory.GetOrCreate(ctx, path, []string{PluginModeArg}, reg, &pv.connOpts)
	if err != nil {
		return nil, err
	}

	if err := p.Initialize(ctx, Version, pv.cfg.Culture, pv.requestTimeout); err != nil {
		_ = p.Close()
		return nil, err
	}

	err = p.DoOnce(ctx, "register-exit-monitor", func() error {
		h := handlers.NewMonitorProcessExitHandler(func() { _ = p.Close() }, p.Done(), nil)
		reg.TryAdd(messages.MethodMonitorNuGetProcessExit, h)
		return nil
	})
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Close tears down every live plugin and stops the path watcher.
// Idempotent.
func (pv *Provider) Close() error {
	pv.closeOnce.Do(func() {
		pv.mu.Lock()
		pv.closed = true
		pv.mu.Unlock()

		pv.baseCancel()
		if pv.disc != nil {
			_ = pv.disc.Close()
		}
		_ = pv.factory.Close()
	})
	return nil
}
