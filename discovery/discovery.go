// Package discovery locates plugin executables on disk.
//
// Search paths come from configuration or the NUGET_PLUGIN_PATHS
// environment variable. Each entry is either a plugin executable itself or
// a directory whose executable regular files are all candidates. A
// candidate may carry an optional side-by-side manifest
// (<executable>.plugin.yaml) describing it; an invalid manifest marks that
// candidate and never breaks the scan.
//
// Scans are cached. A watcher started with Watch invalidates the cache
// when a search directory changes, so the next Discover sees fresh disk
// state without polling.
package discovery

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// EnvPluginPaths lists plugin locations, separated by the platform's list
// separator.
const EnvPluginPaths = "NUGET_PLUGIN_PATHS"

// FileState classifies a discovered plugin candidate.
type FileState string

const (
	// StateValid marks an executable candidate ready to launch.
	StateValid FileState = "Valid"
	// StateNotFound marks a configured path with nothing usable behind it.
	StateNotFound FileState = "NotFound"
	// StateNotExecutable marks a file the current user cannot execute.
	StateNotExecutable FileState = "NotExecutable"
	// StateInvalidManifest marks an executable whose side-by-side manifest
	// does not validate.
	StateInvalidManifest FileState = "InvalidManifest"
)

// PluginFile is one discovered plugin candidate.
type PluginFile struct {
	Path  string
	State FileState
	// Manifest is the parsed side-by-side manifest, nil when the plugin
	// has none or it failed validation.
	Manifest *Manifest
	// Reason explains a non-Valid state.
	Reason string
}

// Config controls a Discoverer.
type Config struct {
	// SearchPaths holds plugin executables or directories to scan.
	SearchPaths []string
	// SkipExecutableCheck admits candidates without the execute bit.
	// Windows has no such bit, and tests fabricate plain files.
	SkipExecutableCheck bool

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	var out Config
	if c != nil {
		out = *c
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// SearchPathsFromEnv reads EnvPluginPaths through getenv and splits it on
// the platform's list separator. Blank segments are dropped; an unset or
// empty variable yields nil, which disables plugin discovery.
func SearchPathsFromEnv(getenv func(string) string) []string {
	raw := getenv(EnvPluginPaths)
	if raw == "" {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(raw, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Discoverer scans the configured search paths for plugin executables and
// caches the result until something invalidates it.
type Discoverer struct {
	paths    []string
	skipExec bool
	logger   *slog.Logger

	mu     sync.Mutex
	cached []PluginFile
	valid  bool

	watchMu  sync.Mutex
	watching bool

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Discoverer over cfg's search paths.
func New(cfg *Config) *Discoverer {
	c := cfg.withDefaults()
	return &Discoverer{
		paths:    c.SearchPaths,
		skipExec: c.SkipExecutableCheck,
		logger:   c.Logger,
		done:     make(chan struct{}),
	}
}

// Discover returns the plugin candidates under the search paths. The scan
// is cached until a watcher event or Invalidate discards it.
func (d *Discoverer) Discover(ctx context.Context) ([]PluginFile, error) {
	d.mu.Lock()
	if d.valid {
		out := append([]PluginFile(nil), d.cached...)
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()

	files, err := d.scan(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cached = files
	d.valid = true
	out := append([]PluginFile(nil), files...)
	d.mu.Unlock()
	return out, nil
}

// Invalidate discards the cached scan so the next Discover hits the disk.
func (d *Discoverer) Invalidate() {
	d.mu.Lock()
	d.valid = false
	d.cached = nil
	d.mu.Unlock()
}

func (d *Discoverer) scan(ctx context.Context) ([]PluginFile, error) {
	var files []PluginFile
	for _, entry := range d.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(entry)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			files = append(files, PluginFile{Path: entry, State: StateNotFound, Reason: "path does not exist"})
			continue
		case err != nil:
			files = append(files, PluginFile{Path: entry, State: StateNotFound, Reason: err.Error()})
			continue
		}
		if info.IsDir() {
			files = append(files, d.scanDir(ctx, entry)...)
			continue
		}
		files = append(files, d.verify(entry, info))
	}
	return files, nil
}

// scanDir lists a directory's executable regular files. Anything else,
// manifests included, rides along silently.
func (d *Discoverer) scanDir(ctx context.Context, dir string) []PluginFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.logger.Debug("read plugin directory", "dir", dir, "error", err)
		return nil
	}
	var files []PluginFile
	for _, e := range entries {
		if ctx.Err() != nil {
			return files
		}
		if e.IsDir() || strings.HasSuffix(e.Name(), manifestSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if !d.skipExec && info.Mode().Perm()&0o111 == 0 {
			continue
		}
		files = append(files, d.verify(filepath.Join(dir, e.Name()), info))
	}
	return files
}

// verify classifies one candidate file and loads its manifest, if any.
func (d *Discoverer) verify(path string, info fs.FileInfo) PluginFile {
	if !info.Mode().IsRegular() {
		return PluginFile{Path: path, State: StateNotFound, Reason: "not a regular file"}
	}
	if !d.skipExec && info.Mode().Perm()&0o111 == 0 {
		return PluginFile{Path: path, State: StateNotExecutable, Reason: "missing execute permission"}
	}

	manifest, err := loadManifest(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return PluginFile{Path: path, State: StateValid}
	case err != nil:
		d.logger.Debug("plugin manifest rejected", "path", path, "error", err)
		return PluginFile{Path: path, State: StateInvalidManifest, Reason: err.Error()}
	}
	return PluginFile{Path: path, State: StateValid, Manifest: manifest}
}

// Close stops the watcher, if one is running. Idempotent.
func (d *Discoverer) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return nil
}
