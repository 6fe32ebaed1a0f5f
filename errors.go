package oauth

import (
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-core/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the credentials, code or refresh token are invalid
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope exceeds what may be granted
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// FromErrors maps the first error of errs to its wire error. It returns nil
// for an empty list.
func FromErrors(errs server.Errors) *OAuthError {
	first := errs.First()
	if first == nil {
		return nil
	}

	switch first.Reason {
	case server.ReasonMissingField, server.ReasonUnsupportedTokenTypeHint:
		return ErrInvalidRequest(first.Message)
	case server.ReasonUnsupportedGrantType:
		return ErrUnsupportedGrantType(first.Message)
	case server.ReasonClientNotFound, server.ReasonClientSecretMismatch, server.ReasonTokenOwnerMismatch:
		return ErrInvalidClient(first.Message)
	case server.ReasonUnauthorizedGrantType:
		return ErrUnauthorizedClient(first.Message)
	case server.ReasonInvalidUserCredentials, server.ReasonInvalidCode, server.ReasonInvalidRefreshToken, server.ReasonInvalidToken:
		return ErrInvalidGrant(first.Message)
	case server.ReasonInvalidScope:
		return ErrInvalidScope(first.Message)
	default:
		// missing_handler, handler_failure and anything unknown
		return ErrServerError(first.Message)
	}
}

// inactiveOnIntrospection reports whether an introspection failure is
// answered with {"active": false} instead of an error
func inactiveOnIntrospection(errs server.Errors) bool {
	return errs.HasReason(server.ReasonInvalidToken) || errs.HasReason(server.ReasonTokenOwnerMismatch)
}
