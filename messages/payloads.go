package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol version negotiated during the handshake. A plugin may answer with
// any version between the minimum and the current one.
const (
	ProtocolVersion        = "2.0.0"
	MinimumProtocolVersion = "1.0.0"
)

// ResponseCode classifies the outcome a responder reports. NotFound is a
// normal outcome, not a failure; operations that can legitimately produce no
// result use it instead of a Fault.
type ResponseCode string

const (
	ResponseSuccess  ResponseCode = "Success"
	ResponseError    ResponseCode = "Error"
	ResponseNotFound ResponseCode = "NotFound"
)

// Valid reports whether c is one of the defined response codes.
func (c ResponseCode) Valid() bool {
	switch c {
	case ResponseSuccess, ResponseError, ResponseNotFound:
		return true
	}
	return false
}

// OperationClaim is a capability a plugin asserts it supports for a given
// package source.
type OperationClaim string

const (
	// ClaimDownloadPackage marks a plugin as able to serve package content
	// (versions, files, downloads) for a source.
	ClaimDownloadPackage OperationClaim = "DownloadPackage"
	// ClaimAuthentication marks a plugin as able to acquire credentials for
	// a source.
	ClaimAuthentication OperationClaim = "Authentication"
)

// TimeSpan carries a duration in the .NET TimeSpan constant format
// ("[d.]hh:mm:ss"), which is what plugin implementations on other runtimes
// expect to parse. Sub-second precision is dropped.
type TimeSpan time.Duration

// Duration returns the wrapped time.Duration.
func (ts TimeSpan) Duration() time.Duration { return time.Duration(ts) }

// MarshalJSON implements json.Marshaler.
func (ts TimeSpan) MarshalJSON() ([]byte, error) {
	d := time.Duration(ts)
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	var s string
	if days > 0 {
		s = fmt.Sprintf("%d.%02d:%02d:%02d", days, hours, minutes, seconds)
	} else {
		s = fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return json.Marshal(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *TimeSpan) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var days, hours, minutes, seconds int64
	if _, err := fmt.Sscanf(s, "%d.%02d:%02d:%02d", &days, &hours, &minutes, &seconds); err != nil {
		days = 0
		if _, err := fmt.Sscanf(s, "%02d:%02d:%02d", &hours, &minutes, &seconds); err != nil {
			return fmt.Errorf("%w: bad TimeSpan %q", ErrInvalidMessage, s)
		}
	}
	*ts = TimeSpan(time.Duration(days*86400+hours*3600+minutes*60+seconds) * time.Second)
	return nil
}

// HandshakeRequest opens protocol version negotiation.
type HandshakeRequest struct {
	ProtocolVersion        string `json:"ProtocolVersion"`
	MinimumProtocolVersion string `json:"MinimumProtocolVersion"`
}

// HandshakeResponse carries the version the plugin settled on. A non-Success
// code or a version outside the requested range makes the plugin unusable.
type HandshakeResponse struct {
	ResponseCode    ResponseCode `json:"ResponseCode"`
	ProtocolVersion string       `json:"ProtocolVersion,omitempty"`
}

// InitializeRequest tells the plugin who the client is and which request
// timeout to mirror on its own side.
type InitializeRequest struct {
	ClientVersion  string   `json:"ClientVersion"`
	Culture        string   `json:"Culture"`
	RequestTimeout TimeSpan `json:"RequestTimeout"`
}

// InitializeResponse acknowledges initialization.
type InitializeResponse struct {
	ResponseCode ResponseCode `json:"ResponseCode"`
}

// GetOperationClaimsRequest asks which operations the plugin supports for a
// package source. ServiceIndex is the source's service index document,
// forwarded verbatim so the plugin can inspect resource types.
type GetOperationClaimsRequest struct {
	PackageSourceRepository string          `json:"PackageSourceRepository"`
	ServiceIndex            json.RawMessage `json:"ServiceIndex,omitempty"`
}

// GetOperationClaimsResponse lists the plugin's claims for the source.
// An empty list means the plugin does not apply to this source.
type GetOperationClaimsResponse struct {
	Claims []OperationClaim `json:"Claims"`
}

// GetCredentialsRequest is issued by a plugin after a source or proxy
// rejected a request. StatusCode is the HTTP status that triggered it.
type GetCredentialsRequest struct {
	PackageSourceRepository string `json:"PackageSourceRepository"`
	StatusCode              int    `json:"StatusCode"`
}

// GetCredentialsResponse returns credentials or NotFound when the client has
// none for the source.
type GetCredentialsResponse struct {
	ResponseCode ResponseCode `json:"ResponseCode"`
	Username     string       `json:"Username,omitempty"`
	Password     string       `json:"Password,omitempty"`
}

// LogLevel grades plugin log records.
type LogLevel string

const (
	LogDebug       LogLevel = "Debug"
	LogVerbose     LogLevel = "Verbose"
	LogInformation LogLevel = "Information"
	LogMinimal     LogLevel = "Minimal"
	LogWarning     LogLevel = "Warning"
	LogError       LogLevel = "Error"
)

// LogRequest forwards one plugin log record to the client.
type LogRequest struct {
	LogLevel LogLevel `json:"LogLevel"`
	Message  string   `json:"Message"`
}

// LogResponse acknowledges a log record.
type LogResponse struct {
	ResponseCode ResponseCode `json:"ResponseCode"`
}

// MonitorNuGetProcessExitRequest names the process whose exit should tear
// the plugin down.
type MonitorNuGetProcessExitRequest struct {
	ProcessID int `json:"ProcessId"`
}

// MonitorNuGetProcessExitResponse reports whether monitoring was set up.
// NotFound means the process id could not be resolved.
type MonitorNuGetProcessExitResponse struct {
	ResponseCode ResponseCode `json:"ResponseCode"`
}

// GetPackageVersionsRequest enumerates the versions a source offers.
type GetPackageVersionsRequest struct {
	PackageSourceRepository string `json:"PackageSourceRepository"`
	PackageID               string `json:"PackageId"`
}

// GetPackageVersionsResponse lists version strings. NotFound means the
// package id is unknown to the source.
type GetPackageVersionsResponse struct {
	ResponseCode ResponseCode `json:"ResponseCode"`
	Versions     []string     `json:"Versions,omitempty"`
}

// PrefetchPackageRequest makes a package available on the plugin side before
// file content is requested.
type PrefetchPackageRequest struct {
	PackageSourceRepository string `json:"PackageSourceRepository"`
	PackageID               string `json:"PackageId"`
	PackageVersion          string `json:"PackageVersion"`
}

// PrefetchPackageResponse reports prefetch outcome. NotFound means the
// source has no such package.
type PrefetchPackageResponse struct {
	ResponseCode ResponseCode `json:"ResponseCode"`
}

// GetFilesInPackageRequest lists the files inside a prefetched package.
type GetFilesInPackageRequest struct {
	PackageSourceRepository string `json:"PackageSourceRepository"`
	PackageID               string `json:"PackageId"`
	PackageVersion          string `json:"PackageVersion"`
}

// GetFilesInPackageResponse carries package-relative file paths.
type GetFilesInPackageResponse struct {
	ResponseCode ResponseCode `json:"ResponseCode"`
	Files        []string     `json:"Files,omitempty"`
}

// GetFileInPackageRequest copies one file out of a package to
// DestinationFilePath, a path the client controls. File bytes never travel
// through the protocol channel.
type GetFileInPackageRequest struct {
	PackageSourceRepository string `json:"PackageSourceRepository"`
	PackageID               string `json:"PackageId"`
	PackageVersion          string `json:"PackageVersion"`
	PathInPackage           string `json:"PathInPackage"`
	DestinationFilePath     string `json:"DestinationFilePath"`
}

// GetFileInPackageResponse reports the copy outcome. NotFound means the
// package has no file at PathInPackage.
type GetFileInPackageResponse struct {
	ResponseCode ResponseCode `json:"ResponseCode"`
}

// CopyNupkgFileRequest copies the whole package file to DestinationFilePath.
type CopyNupkgFileRequest struct {
	PackageSourceRepository string `json:"PackageSourceRepository"`
	PackageID               string `json:"PackageId"`
	PackageVersion          string `json:"PackageVersion"`
	DestinationFilePath     string `json:"DestinationFilePath"`
}

// CopyNupkgFileResponse reports the copy outcome.
type CopyNupkgFileResponse struct {
	ResponseCode ResponseCode `json:"ResponseCode"`
}

// Fault is the payload of a Fault message.
type Fault struct {
	Message string `json:"Message"`
}

// Progress is the payload of a Progress message. Percentage is optional;
// a bare Progress frame is a keep-alive.
type Progress struct {
	Percentage *float64 `json:"Percentage,omitempty"`
}
