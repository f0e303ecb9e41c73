// Package messages defines the plugin protocol message envelope and its encoding.
//
// Every exchange between the client and a plugin process is carried by a
// Message: a small envelope that correlates frames belonging to one logical
// request and names the operation being performed. Messages travel as
// newline-delimited JSON over the plugin's standard streams.
//
// # Wire Format
//
// One JSON object per line, no wrapping array, no partial frames:
//
//	{"RequestId":"b915f1f1-...","Type":"Request","Method":"Handshake","Payload":{...}}
//	{"RequestId":"b915f1f1-...","Type":"Response","Method":"Handshake","Payload":{...}}
//
// Field names are the protocol's PascalCase and must not be changed; both
// sides of the wire are expected to interoperate with implementations in
// other languages.
//
// # Correlation
//
// RequestId is generated by the side issuing a request and reused by every
// frame of that exchange (Response, Progress, Fault, Cancel). It must be
// unique among the requests currently outstanding in one direction on one
// connection; UUIDs satisfy this trivially.
//
// # Payload Typing
//
// Payload is kept as raw JSON in the envelope and only deserialized into a
// typed request or response struct once the dispatcher has decided what the
// frame is. DecodePayload performs that second step.
//
// # Reference
//
// NuGet cross-platform plugin protocol:
// https://learn.microsoft.com/en-us/nuget/reference/extensibility/nuget-cross-platform-plugins
package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the role a message plays within an exchange.
type MessageType string

const (
	// TypeRequest starts a new exchange and demands a terminal reply.
	TypeRequest MessageType = "Request"
	// TypeResponse terminates an exchange successfully.
	TypeResponse MessageType = "Response"
	// TypeProgress signals that a request is still being worked on.
	TypeProgress MessageType = "Progress"
	// TypeFault terminates an exchange with an error reported by the remote side.
	TypeFault MessageType = "Fault"
	// TypeCancel aborts an exchange before its terminal reply.
	TypeCancel MessageType = "Cancel"
)

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeProgress, TypeFault, TypeCancel:
		return true
	}
	return false
}

// MessageMethod names the operation a message belongs to.
type MessageMethod string

// Session management methods.
const (
	// MethodHandshake is the mandatory first exchange; it negotiates the
	// protocol version. No other request is valid before it completes.
	MethodHandshake MessageMethod = "Handshake"
	// MethodInitialize passes client version, culture and the request timeout
	// the plugin should mirror. Sent once per plugin lifetime.
	MethodInitialize MessageMethod = "Initialize"
	// MethodClose asks the plugin process to shut down. Fire and forget.
	MethodClose MessageMethod = "Close"
	// MethodMonitorNuGetProcessExit asks the receiver to watch a process id
	// and tear the plugin down when that process exits.
	MethodMonitorNuGetProcessExit MessageMethod = "MonitorNuGetProcessExit"
)

// Capability and credential methods.
const (
	// MethodGetOperationClaims queries which operations a plugin supports for
	// a package source.
	MethodGetOperationClaims MessageMethod = "GetOperationClaims"
	// MethodGetCredentials is issued by a plugin when a source or its proxy
	// answered with an authentication challenge.
	MethodGetCredentials MessageMethod = "GetCredentials"
	// MethodLog forwards a plugin log record to the client's logger.
	MethodLog MessageMethod = "Log"
)

// Package content methods.
const (
	// MethodGetPackageVersions enumerates the versions a source offers for a
	// package id.
	MethodGetPackageVersions MessageMethod = "GetPackageVersions"
	// MethodPrefetchPackage makes a package available on the plugin side
	// before individual files are requested.
	MethodPrefetchPackage MessageMethod = "PrefetchPackage"
	// MethodGetFilesInPackage lists the files contained in a package.
	MethodGetFilesInPackage MessageMethod = "GetFilesInPackage"
	// MethodGetFileInPackage copies one file out of a package to a path the
	// client controls.
	MethodGetFileInPackage MessageMethod = "GetFileInPackage"
	// MethodCopyNupkgFile copies the whole package file to a path the client
	// controls.
	MethodCopyNupkgFile MessageMethod = "CopyNupkgFile"
)

var (
	// ErrInvalidMessage is returned when a frame cannot be decoded into a
	// well-formed Message.
	ErrInvalidMessage = errors.New("invalid plugin message")
	// ErrMissingPayload is returned when a typed payload is requested from a
	// message that carries none.
	ErrMissingPayload = errors.New("message has no payload")
)

// Message is the immutable protocol envelope.
type Message struct {
	RequestID string          `json:"RequestId"`
	Type      MessageType     `json:"Type"`
	Method    MessageMethod   `json:"Method"`
	Payload   json.RawMessage `json:"Payload,omitempty"`
}

// Encode serializes the message to a single self-contained frame without the
// trailing newline. encoding/json escapes control characters inside strings,
// so the result never contains a raw line break.
func (m *Message) Encode() ([]byte, error) {
	if m.RequestID == "" {
		return nil, fmt.Errorf("%w: empty RequestId", ErrInvalidMessage)
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, string(m.Type))
	}
	if m.Method == "" {
		return nil, fmt.Errorf("%w: empty Method", ErrInvalidMessage)
	}
	return json.Marshal(m)
}

// Decode parses exactly one frame into a Message. Unknown methods pass
// decoding on purpose; whether a method is serviceable is dispatcher policy,
// not a wire concern. Unknown types do not: a frame whose Type is outside the
// protocol cannot be routed at all.
func Decode(frame []byte) (*Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidMessage)
	}

	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.RequestID == "" {
		return nil, fmt.Errorf("%w: empty RequestId", ErrInvalidMessage)
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, string(m.Type))
	}
	if m.Method == "" {
		return nil, fmt.Errorf("%w: empty Method", ErrInvalidMessage)
	}
	return &m, nil
}

// DecodePayload deserializes a message's payload into T.
func DecodePayload[T any](m *Message) (*T, error) {
	if len(m.Payload) == 0 {
		return nil, fmt.Errorf("%s %s: %w", m.Type, m.Method, ErrMissingPayload)
	}
	out := new(T)
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return nil, fmt.Errorf("decode %s %s payload: %w", m.Type, m.Method, err)
	}
	return out, nil
}

// New creates a message of an arbitrary type with a marshaled payload.
// payload may be nil for types that carry none.
func New(requestID string, t MessageType, method MessageMethod, payload any) (*Message, error) {
	m := &Message{
		RequestID: requestID,
		Type:      t,
		Method:    method,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s payload: %w", t, method, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// NewRequest creates a Request message.
func NewRequest(requestID string, method MessageMethod, payload any) (*Message, error) {
	return New(requestID, TypeRequest, method, payload)
}

// NewResponse creates a Response message terminating the exchange requestID.
func NewResponse(requestID string, method MessageMethod, payload any) (*Message, error) {
	return New(requestID, TypeResponse, method, payload)
}

// NewProgress creates a Progress message for an in-flight exchange.
func NewProgress(requestID string, method MessageMethod, payload *Progress) (*Message, error) {
	if payload == nil {
		return New(requestID, TypeProgress, method, nil)
	}
	return New(requestID, TypeProgress, method, payload)
}

// NewFault creates a Fault message carrying an error description.
func NewFault(requestID string, method MessageMethod, message string) (*Message, error) {
	return New(requestID, TypeFault, method, &Fault{Message: message})
}

// NewCancel creates a Cancel message for an in-flight exchange.
func NewCancel(requestID string, method MessageMethod) (*Message, error) {
	return New(requestID, TypeCancel, method, nil)
}
