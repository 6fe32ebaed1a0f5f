package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never record actual credential values (access tokens,
// refresh tokens, authorization codes, client secrets, passwords) in traces or
// metrics. Only record metadata such as token kinds, results and reasons.
const (
	// OAuth attributes
	AttrClientID      = "oauth.client_id"       // Client identifier (non-secret)
	AttrUserID        = "oauth.user_id"         // User identifier (non-secret)
	AttrScope         = "oauth.scope"           // Granted scopes
	AttrGrantType     = "oauth.grant_type"      // OAuth grant type
	AttrTokenTypeHint = "oauth.token_type_hint" //nolint:gosec // Token kind hint, not a token
	AttrTokenActive   = "oauth.token.active"    //nolint:gosec // Introspection result
	AttrTokenRotated  = "oauth.token.rotated"   //nolint:gosec // Whether a refresh token was rotated
	AttrCodeReuse     = "oauth.code.reuse"      // Whether code reuse was detected
	AttrRefreshReuse  = "oauth.refresh.reuse"   // Whether refresh token replay was detected
	AttrErrorKind     = "oauth.error.kind"      // Error kind of the first reported error
	AttrErrorReason   = "oauth.error.reason"    // Error reason of the first reported error
	AttrErrorCount    = "oauth.error.count"     // Number of reported errors
	AttrCapability    = "oauth.capability"      // Capability handler name

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrAuditEventType = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds grant attributes to a span (nil-safe)
func AddGrantAttributes(span trace.Span, grantType, clientID, userID, scope string) {
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddIntrospectionAttributes adds introspection attributes to a span (nil-safe)
func AddIntrospectionAttributes(span trace.Span, tokenTypeHint string, active bool) {
	SetSpanAttributes(span,
		attribute.String(AttrTokenTypeHint, tokenTypeHint),
		attribute.Bool(AttrTokenActive, active),
	)
}

// AddErrorAttributes adds the kind and reason of a failed operation (nil-safe)
func AddErrorAttributes(span trace.Span, kind, reason string, count int) {
	SetSpanAttributes(span,
		attribute.String(AttrErrorKind, kind),
		attribute.String(AttrErrorReason, reason),
		attribute.Int(AttrErrorCount, count),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
