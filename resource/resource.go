// Package resource adapts a live plugin into package content accessors.
//
// The adapters are thin translators over the dispatcher: they issue one
// protocol request per call and map response codes onto Go results. File
// bytes never travel through the protocol channel; the plugin writes
// requested files to paths the adapter controls and the caller streams
// them from disk.
//
// NotFound is a verdict, not a failure. A source legitimately answering
// "no such package" surfaces as a NotFound status or ErrNotFound, while a
// missing plugin or a protocol fault is an ordinary error.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/smnsjas/go-nugetplugin/dispatch"
	"github.com/smnsjas/go-nugetplugin/messages"
	"github.com/smnsjas/go-nugetplugin/plugin"
)

var (
	// ErrNotFound reports a package or file the source does not have.
	ErrNotFound = errors.New("not found")
	// ErrNotSupported marks operations the plugin transfer model excludes.
	ErrNotSupported = errors.New("operation not supported")
)

// NilArgumentError reports a required constructor argument that was nil or
// empty.
type NilArgumentError struct {
	// Name identifies the rejected parameter.
	Name string
}

func (e *NilArgumentError) Error() string {
	return fmt.Sprintf("argument %s must not be nil", e.Name)
}

// PackageIdentity names one package version.
type PackageIdentity struct {
	ID      string
	Version string
}

func (pi PackageIdentity) String() string {
	return pi.ID + " " + pi.Version
}

// DownloadStatus classifies a download attempt.
type DownloadStatus string

const (
	// StatusAvailable means the plugin holds the package and a reader is
	// open over it.
	StatusAvailable DownloadStatus = "Available"
	// StatusNotFound means the source has no such package.
	StatusNotFound DownloadStatus = "NotFound"
)

// DownloadResult is the outcome of DownloadResource.Download.
type DownloadResult struct {
	Status DownloadStatus
	// Package reads the fetched package. Set only for StatusAvailable;
	// the caller owns it and must Close it.
	Package *PackageReader
}

// DownloadResource fetches package content through a plugin that claims
// DownloadPackage for the source.
type DownloadResource struct {
	plugin *plugin.Plugin
	source string
}

// NewDownloadResource builds a download adapter over one plugin and source
// repository URL.
func NewDownloadResource(p *plugin.Plugin, source string) (*DownloadResource, error) {
	if p == nil {
		return nil, &NilArgumentError{Name: "plugin"}
	}
	if source == "" {
		return nil, &NilArgumentError{Name: "source"}
	}
	return &DownloadResource{plugin: p, source: source}, nil
}

// Download asks the plugin to prefetch identity and, when the package is
// available, opens a PackageReader over it.
func (r *DownloadResource) Download(ctx context.Context, identity PackageIdentity) (*DownloadResult, error) {
	req := &messages.PrefetchPackageRequest{
		PackageSourceRepository: r.source,
		PackageID:               identity.ID,
		PackageVersion:          identity.Version,
	}
	resp, err := dispatch.DispatchRequest[messages.PrefetchPackageRequest, messages.PrefetchPackageResponse](
		ctx, r.plugin.Dispatcher(), messages.MethodPrefetchPackage, req)
	if err != nil {
		return nil, fmt.Errorf("prefetch %s: %w", identity, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("prefetch %s: %w", identity, plugin.ErrPluginUnavailable)
	}

	switch resp.ResponseCode {
	case messages.ResponseSuccess:
		reader, err := newPackageReader(r.plugin, r.source, identity)
		if err != nil {
			return nil, err
		}
		return &DownloadResult{Status: StatusAvailable, Package: reader}, nil
	case messages.ResponseNotFound:
		return &DownloadResult{Status: StatusNotFound}, nil
	default:
		return nil, fmt.Errorf("prefetch %s: plugin answered %s", identity, resp.ResponseCode)
	}
}

// FindPackageByIDResource enumerates package versions through a plugin.
type FindPackageByIDResource struct {
	plugin *plugin.Plugin
	source string
}

// NewFindPackageByIDResource builds a version lookup adapter over one
// plugin and source repository URL.
func NewFindPackageByIDResource(p *plugin.Plugin, source string) (*FindPackageByIDResource, error) {
	if p == nil {
		return nil, &NilArgumentError{Name: "plugin"}
	}
	if source == "" {
		return nil, &NilArgumentError{Name: "source"}
	}
	return &FindPackageByIDResource{plugin: p, source: source}, nil
}

// Versions returns every version the source offers for packageID, sorted
// ascending. An unknown package id is a normal outcome and yields an empty
// list.
func (r *FindPackageByIDResource) Versions(ctx context.Context, packageID string) ([]*semver.Version, error) {
	req := &messages.GetPackageVersionsRequest{
		PackageSourceRepository: r.source,
		PackageID:               packageID,
	}
	resp, err := dispatch.DispatchRequest[messages.GetPackageVersionsRequest, messages.GetPackageVersionsResponse](
		ctx, r.plugin.Dispatcher(), messages.MethodGetPackageVersions, req)
	if err != nil {
		return nil, fmt.Errorf("versions of %s: %w", packageID, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("versions of %s: %w", packageID, plugin.ErrPluginUnavailable)
	}

	switch resp.ResponseCode {
	case messages.ResponseSuccess:
		out := make([]*semver.Version, 0, len(resp.Versions))
		for _, raw := range resp.Versions {
			v, err := semver.NewVersion(raw)
			if err != nil {
				return nil, fmt.Errorf("versions of %s: parse %q: %w", packageID, raw, err)
			}
			out = append(out, v)
		}
		sort.Sort(semver.Collection(out))
		return out, nil
	case messages.ResponseNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("versions of %s: plugin answered %s", packageID, resp.ResponseCode)
	}
}

// CopyNupkgToStream always refuses. The plugin model transfers whole
// packages to files it controls, never partial streams; callers wanting
// the package file use PackageReader.CopyNupkg.
func (r *FindPackageByIDResource) CopyNupkgToStream(context.Context, PackageIdentity, io.Writer) error {
	return ErrNotSupported
}
