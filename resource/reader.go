package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-nugetplugin/dispatch"
	"github.com/smnsjas/go-nugetplugin/messages"
	"github.com/smnsjas/go-nugetplugin/plugin"
)

// ErrReaderClosed reports use of a PackageReader after Close.
var ErrReaderClosed = errors.New("package reader is closed")

// PackageReader reads files out of a package the plugin has prefetched.
// Each requested file lands in the reader's private scratch directory and
// is streamed from there; Close removes the directory.
type PackageReader struct {
	plugin   *plugin.Plugin
	source   string
	identity PackageIdentity

	tmpDir string

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func newPackageReader(p *plugin.Plugin, source string, identity PackageIdentity) (*PackageReader, error) {
	dir, err := os.MkdirTemp("", "nugetplugin-pkg-")
	if err != nil {
		return nil, fmt.Errorf("create package scratch dir: %w", err)
	}
	return &PackageReader{plugin: p, source: source, identity: identity, tmpDir: dir}, nil
}

// Identity returns the package this reader was opened for.
func (pr *PackageReader) Identity() PackageIdentity { return pr.identity }

// Files lists the package-relative paths inside the package.
func (pr *PackageReader) Files(ctx context.Context) ([]string, error) {
	if err := pr.guard(); err != nil {
		return nil, err
	}
	req := &messages.GetFilesInPackageRequest{
		PackageSourceRepository: pr.source,
		PackageID:               pr.identity.ID,
		PackageVersion:          pr.identity.Version,
	}
	resp, err := dispatch.DispatchRequest[messages.GetFilesInPackageRequest, messages.GetFilesInPackageResponse](
		ctx, pr.plugin.Dispatcher(), messages.MethodGetFilesInPackage, req)
	if err != nil {
		return nil, fmt.Errorf("list files in %s: %w", pr.identity, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("list files in %s: %w", pr.identity, plugin.ErrPluginUnavailable)
	}

	switch resp.ResponseCode {
	case messages.ResponseSuccess:
		return resp.Files, nil
	case messages.ResponseNotFound:
		return nil, fmt.Errorf("list files in %s: %w", pr.identity, ErrNotFound)
	default:
		return nil, fmt.Errorf("list files in %s: plugin answered %s", pr.identity, resp.ResponseCode)
	}
}

// Open fetches one file out of the package. The plugin writes it into the
// reader's scratch directory; the returned stream deletes that copy when
// closed.
func (pr *PackageReader) Open(ctx context.Context, pathInPackage string) (io.ReadCloser, error) {
	if err := pr.guard(); err != nil {
		return nil, err
	}
	dst := filepath.Join(pr.tmpDir, uuid.NewString())

	req := &messages.GetFileInPackageRequest{
		PackageSourceRepository: pr.source,
		PackageID:               pr.identity.ID,
		PackageVersion:          pr.identity.Version,
		PathInPackage:           pathInPackage,
		DestinationFilePath:     dst,
	}
	resp, err := dispatch.DispatchRequest[messages.GetFileInPackageRequest, messages.GetFileInPackageResponse](
		ctx, pr.plugin.Dispatcher(), messages.MethodGetFileInPackage, req)
	if err != nil {
		return nil, fmt.Errorf("open %s in %s: %w", pathInPackage, pr.identity, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("open %s in %s: %w", pathInPackage, pr.identity, plugin.ErrPluginUnavailable)
	}

	switch resp.ResponseCode {
	case messages.ResponseSuccess:
		f, err := os.Open(dst)
		if err != nil {
			return nil, fmt.Errorf("open fetched copy of %s: %w", pathInPackage, err)
		}
		return &tempFileReader{file: f, path: dst}, nil
	case messages.ResponseNotFound:
		_ = os.Remove(dst)
		return nil, fmt.Errorf("open %s in %s: %w", pathInPackage, pr.identity, ErrNotFound)
	default:
		_ = os.Remove(dst)
		return nil, fmt.Errorf("open %s in %s: plugin answered %s", pathInPackage, pr.identity, resp.ResponseCode)
	}
}

// CopyNupkg has the plugin write the whole package file to dst and
// returns the path.
func (pr *PackageReader) CopyNupkg(ctx context.Context, dst string) error {
	if err := pr.guard(); err != nil {
		return err
	}
	req := &messages.CopyNupkgFileRequest{
		PackageSourceRepository: pr.source,
		PackageID:               pr.identity.ID,
		PackageVersion:          pr.identity.Version,
		DestinationFilePath:     dst,
	}
	resp, err := dispatch.DispatchRequest[messages.CopyNupkgFileRequest, messages.CopyNupkgFileResponse](
		ctx, pr.plugin.Dispatcher(), messages.MethodCopyNupkgFile, req)
	if err != nil {
		return fmt.Errorf("copy nupkg %s: %w", pr.identity, err)
	}
	if resp == nil {
		return fmt.Errorf("copy nupkg %s: %w", pr.identity, plugin.ErrPluginUnavailable)
	}

	switch resp.ResponseCode {
	case messages.ResponseSuccess:
		return nil
	case messages.ResponseNotFound:
		return fmt.Errorf("copy nupkg %s: %w", pr.identity, ErrNotFound)
	default:
		return fmt.Errorf("copy nupkg %s: plugin answered %s", pr.identity, resp.ResponseCode)
	}
}

// Close removes the reader's scratch directory. Streams already opened
// keep working; their backing files die with their own Close. Idempotent.
func (pr *PackageReader) Close() error {
	pr.closeOnce.Do(func() {
		pr.mu.Lock()
		pr.closed = true
		pr.mu.Unlock()
		pr.closeErr = os.RemoveAll(pr.tmpDir)
	})
	return pr.closeErr
}

func (pr *PackageReader) guard() error {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		return ErrReaderClosed
	}
	return nil
}

// tempFileReader streams a fetched file and deletes it on Close.
type tempFileReader struct {
	file *os.File
	path string

	once sync.Once
	err  error
}

func (r *tempFileReader) Read(p []byte) (int, error) { return r.file.Read(p) }

func (r *tempFileReader) Close() error {
	r.once.Do(func() {
		r.err = r.file.Close()
		if rmErr := os.Remove(r.path); rmErr != nil && r.err == nil {
			r.err = rmErr
		}
	})
	return r.err
}
