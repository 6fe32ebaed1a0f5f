package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/token"
)

// Kind classifies an Error.
type Kind string

const (
	// KindConfiguration is a setup defect such as a missing capability handler
	KindConfiguration Kind = "ConfigurationError"

	// KindValidation is a missing or malformed request field
	KindValidation Kind = "ValidationError"

	// KindAuthentication covers failed client, user, code and refresh token checks.
	// Messages are deliberately generic.
	KindAuthentication Kind = "AuthenticationError"

	// KindDecode is a token that is structurally invalid for its declared kind
	KindDecode Kind = "DecodeError"

	// KindHandler is an unexpected failure inside a capability handler
	KindHandler Kind = "HandlerError"
)

// Reason identifies the exact failure behind an Error. Several reasons share
// a client-facing message; callers select wire error codes and metrics labels
// from the reason.
type Reason string

const (
	ReasonMissingHandler           Reason = "missing_handler"
	ReasonHandlerFailure           Reason = "handler_failure"
	ReasonMissingField             Reason = "missing_field"
	ReasonUnsupportedTokenTypeHint Reason = "unsupported_token_type_hint"
	ReasonUnsupportedGrantType     Reason = "unsupported_grant_type"
	ReasonClientNotFound           Reason = "client_not_found"
	ReasonClientSecretMismatch     Reason = "client_secret_mismatch"
	ReasonTokenOwnerMismatch       Reason = "token_owner_mismatch"
	ReasonUnauthorizedGrantType    Reason = "unauthorized_grant_type"
	ReasonInvalidUserCredentials   Reason = "invalid_user_credentials"
	ReasonInvalidCode              Reason = "invalid_code"
	ReasonInvalidRefreshToken      Reason = "invalid_refresh_token"
	ReasonInvalidScope             Reason = "invalid_scope"
	ReasonInvalidToken             Reason = "invalid_token"
)

// Client-facing messages shared by several reasons.
const (
	MessageClientNotFound         = "client_id not found"
	MessageInvalidUserCredentials = "Invalid username or password"
	MessageInvalidCode            = "Invalid or expired authorization code"
)

// Error is one failure reported by a grant or introspection call.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string

	// Err is the underlying cause. It is never shown to clients.
	Err error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errors is the ordered list of failures returned by every server operation.
// A nil list means success.
type Errors []*Error

// Err joins the list into a single error, or returns nil for an empty list.
func (errs Errors) Err() error {
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return errors.Join(joined...)
}

// First returns the first error or nil.
func (errs Errors) First() *Error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// HasReason reports whether any error carries reason.
func (errs Errors) HasReason(reason Reason) bool {
	for _, e := range errs {
		if e.Reason == reason {
			return true
		}
	}
	return false
}

// Messages returns the client-facing messages in order.
func (errs Errors) Messages() []string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Message
	}
	return msgs
}

func (errs Errors) String() string {
	return strings.Join(errs.Messages(), "; ")
}

func missingHandler(name capability.Name) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Reason:  ReasonMissingHandler,
		Message: fmt.Sprintf("Missing '%s' handler", name),
	}
}

func handlerFailure(name capability.Name, err error) *Error {
	return &Error{
		Kind:    KindHandler,
		Reason:  ReasonHandlerFailure,
		Message: fmt.Sprintf("%s handler failed", name),
		Err:     err,
	}
}

func missingField(field string) *Error {
	return &Error{
		Kind:    KindValidation,
		Reason:  ReasonMissingField,
		Message: fmt.Sprintf("Missing required '%s'", field),
	}
}

func unsupportedGrantType(grantType string) *Error {
	return &Error{
		Kind:    KindValidation,
		Reason:  ReasonUnsupportedGrantType,
		Message: fmt.Sprintf("unsupported grant_type '%s'", grantType),
	}
}

func unsupportedTokenTypeHint(hint string) *Error {
	return &Error{
		Kind:    KindValidation,
		Reason:  ReasonUnsupportedTokenTypeHint,
		Message: fmt.Sprintf("Unsupported token_type_hint '%s'", hint),
	}
}

// clientNotFound covers unknown clients, wrong secrets and tokens owned by
// another client. Only the reason differs.
func clientNotFound(reason Reason) *Error {
	return &Error{
		Kind:    KindAuthentication,
		Reason:  reason,
		Message: MessageClientNotFound,
	}
}

func unauthorizedGrantType(grantType string) *Error {
	return &Error{
		Kind:    KindAuthentication,
		Reason:  ReasonUnauthorizedGrantType,
		Message: fmt.Sprintf("client is not allowed to use grant_type '%s'", grantType),
	}
}

func invalidUserCredentials() *Error {
	return &Error{
		Kind:    KindAuthentication,
		Reason:  ReasonInvalidUserCredentials,
		Message: MessageInvalidUserCredentials,
	}
}

func invalidCode(err error) *Error {
	return &Error{
		Kind:    KindAuthentication,
		Reason:  ReasonInvalidCode,
		Message: MessageInvalidCode,
		Err:     err,
	}
}

func invalidRefreshToken() *Error {
	return &Error{
		Kind:    KindAuthentication,
		Reason:  ReasonInvalidRefreshToken,
		Message: fmt.Sprintf("Invalid %s", token.RefreshToken),
	}
}

func invalidScope(rejected []string) *Error {
	return &Error{
		Kind:    KindValidation,
		Reason:  ReasonInvalidScope,
		Message: fmt.Sprintf("scope not allowed: '%s'", strings.Join(rejected, " ")),
	}
}

func invalidToken(kind token.Kind, err error) *Error {
	return &Error{
		Kind:    KindDecode,
		Reason:  ReasonInvalidToken,
		Message: fmt.Sprintf("Invalid %s", kind),
		Err:     err,
	}
}
