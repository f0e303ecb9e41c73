package discovery

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	require.NoError(t, os.Chmod(path, 0o755))
	return path
}

func writePlainFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chmod(path, 0o644))
	return path
}

func TestSearchPathsFromEnv(t *testing.T) {
	sep := string(os.PathListSeparator)

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"unset", "", nil},
		{"single", "/opt/plugins", []string{"/opt/plugins"}},
		{
			"multiple",
			"/opt/plugins" + sep + "/home/u/.nuget/plugins",
			[]string{"/opt/plugins", "/home/u/.nuget/plugins"},
		},
		{"blank segments dropped", sep + "/opt/plugins" + sep + "  " + sep, []string{"/opt/plugins"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getenv := func(key string) string {
				if key == EnvPluginPaths {
					return tt.raw
				}
				return ""
			}
			assert.Equal(t, tt.want, SearchPathsFromEnv(getenv))
		})
	}
}

func TestDiscoverDirectoryScan(t *testing.T) {
	dir := t.TempDir()
	exe := writeExecutable(t, dir, "credprovider")
	writePlainFile(t, dir, "credprovider.plugin.yaml", "name: credprovider\nversion: \"1.0.0\"\n")
	writePlainFile(t, dir, "README.txt", "not a plugin\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	d := New(&Config{SearchPaths: []string{dir}, Logger: quietLogger()})
	files, err := d.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, files, 1)
	assert.Equal(t, exe, files[0].Path)
	assert.Equal(t, StateValid, files[0].State)
	require.NotNil(t, files[0].Manifest)
	assert.Equal(t, "credprovider", files[0].Manifest.Name)
}

func TestDiscoverExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	exe := writeExecutable(t, dir, "auth-helper")
	plain := writePlainFile(t, dir, "notes.txt", "hello\n")
	missing := filepath.Join(dir, "gone")

	d := New(&Config{SearchPaths: []string{exe, plain, missing}, Logger: quietLogger()})
	files, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 3)

	byPath := make(map[string]PluginFile, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	assert.Equal(t, StateValid, byPath[exe].State)
	assert.Equal(t, StateNotExecutable, byPath[plain].State)
	assert.NotEmpty(t, byPath[plain].Reason)
	assert.Equal(t, StateNotFound, byPath[missing].State)
}

func TestDiscoverInvalidManifestIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	broken := writeExecutable(t, dir, "broken")
	writePlainFile(t, dir, "broken.plugin.yaml", "version: \"1.0.0\"\n")
	good := writeExecutable(t, dir, "works")

	d := New(&Config{SearchPaths: []string{dir}, Logger: quietLogger()})
	files, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)

	byPath := make(map[string]PluginFile, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	assert.Equal(t, StateInvalidManifest, byPath[broken].State)
	assert.Nil(t, byPath[broken].Manifest)
	assert.Contains(t, byPath[broken].Reason, "name")
	assert.Equal(t, StateValid, byPath[good].State)
}

func TestDiscoverCachesUntilInvalidated(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "one")

	d := New(&Config{SearchPaths: []string{dir}, Logger: quietLogger()})
	files, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)

	writeExecutable(t, dir, "two")

	files, err = d.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 1, "cached scan should not see the new file")

	d.Invalidate()

	files, err = d.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestSkipExecutableCheck(t *testing.T) {
	dir := t.TempDir()
	plain := writePlainFile(t, dir, "fetcher", "binary-ish\n")

	d := New(&Config{
		SearchPaths:         []string{plain},
		SkipExecutableCheck: true,
		Logger:              quietLogger(),
	})
	files, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, StateValid, files[0].State)
}

func TestDiscoverHonorsContext(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "one")

	d := New(&Config{SearchPaths: []string{dir}, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	files, err := d.Discover(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, files)
}

func TestWatcherEventInvalidatesCache(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "one")

	d := New(&Config{SearchPaths: []string{dir}, Logger: quietLogger()})
	_, err := d.Discover(context.Background())
	require.NoError(t, err)

	two := writeExecutable(t, dir, "two")

	// An irrelevant op schedules nothing.
	assert.Nil(t, d.handleEvent(fsnotify.Event{Name: two}, nil))

	timer := d.handleEvent(fsnotify.Event{Name: two, Op: fsnotify.Create}, nil)
	require.NotNil(t, timer)
	assert.Same(t, timer, d.handleEvent(fsnotify.Event{Name: two, Op: fsnotify.Write}, timer))

	require.Eventually(t, func() bool {
		files, err := d.Discover(context.Background())
		return err == nil && len(files) == 2
	}, 2*time.Second, 25*time.Millisecond, "debounced invalidation should trigger a rescan")
}

func TestWatchSeesNewPlugins(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "one")

	d := New(&Config{SearchPaths: []string{dir}, Logger: quietLogger()})
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Watch(ctx))
	require.NoError(t, d.Watch(ctx), "second Watch should be a no-op")

	_, err := d.Discover(ctx)
	require.NoError(t, err)

	writeExecutable(t, dir, "two")

	assert.Eventually(t, func() bool {
		files, err := d.Discover(context.Background())
		return err == nil && len(files) == 2
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "Close is idempotent")
}
