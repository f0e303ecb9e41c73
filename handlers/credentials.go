package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/smnsjas/go-nugetplugin/messages"
)

// CredentialRequestType tells a resolver why credentials are needed.
type CredentialRequestType string

const (
	// CredentialRequestProxy asks for the source's proxy credentials.
	CredentialRequestProxy CredentialRequestType = "Proxy"
	// CredentialRequestUnauthorized asks for source credentials after a 401.
	CredentialRequestUnauthorized CredentialRequestType = "Unauthorized"
	// CredentialRequestForbidden asks for source credentials after a 403 or
	// any other rejection.
	CredentialRequestForbidden CredentialRequestType = "Forbidden"
)

// Credentials is one username/password pair.
type Credentials struct {
	Username string
	Password string
}

// CredentialResolver supplies credentials on behalf of the client.
// Returning (nil, nil) means the client has none for the uri, a normal
// outcome reported to the plugin as NotFound.
type CredentialResolver interface {
	GetCredentials(ctx context.Context, uri string, requestType CredentialRequestType, message string) (*Credentials, error)
}

// CredentialsHandler answers GetCredentials requests for exactly one package
// source. Requests naming any other source are declined with NotFound, so
// credentials never leak across sources.
type CredentialsHandler struct {
	sourceURL string
	proxyURL  string
	resolver  CredentialResolver
}

// NewCredentialsHandler builds a handler bound to sourceURL. proxyURL may be
// empty when the source has no proxy; proxy credential requests are then
// declined.
func NewCredentialsHandler(sourceURL, proxyURL string, resolver CredentialResolver) *CredentialsHandler {
	return &CredentialsHandler{sourceURL: sourceURL, proxyURL: proxyURL, resolver: resolver}
}

// Handle maps the request's HTTP status onto a credential request type and
// consults the resolver: 407 asks for proxy credentials, 401 for source
// credentials, 403 and everything else for forbidden-source credentials.
func (h *CredentialsHandler) Handle(ctx context.Context, req *messages.Message) (any, error) {
	payload, err := messages.DecodePayload[messages.GetCredentialsRequest](req)
	if err != nil {
		return nil, err
	}
	if payload.PackageSourceRepository != h.sourceURL {
		return notFoundCredentials(), nil
	}

	uri := h.sourceURL
	var requestType CredentialRequestType
	switch payload.StatusCode {
	case http.StatusProxyAuthRequired:
		if h.proxyURL == "" {
			return notFoundCredentials(), nil
		}
		uri = h.proxyURL
		requestType = CredentialRequestProxy
	case http.StatusUnauthorized:
		requestType = CredentialRequestUnauthorized
	default:
		requestType = CredentialRequestForbidden
	}

	message := fmt.Sprintf("credentials requested for %s (HTTP %d)", uri, payload.StatusCode)
	creds, err := h.resolver.GetCredentials(ctx, uri, requestType, message)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	if creds == nil {
		return notFoundCredentials(), nil
	}
	return &messages.GetCredentialsResponse{
		ResponseCode: messages.ResponseSuccess,
		Username:     creds.Username,
		Password:     creds.Password,
	}, nil
}

func notFoundCredentials() *messages.GetCredentialsResponse {
	return &messages.GetCredentialsResponse{ResponseCode: messages.ResponseNotFound}
}
