package security

// Event type constants for security audit logging.
const (
	// EventTokenIssued is logged when a grant issues a token set
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh_token grant succeeds
	EventTokenRefreshed = "token_refreshed"

	// EventTokenIntrospected is logged when an introspection completes
	EventTokenIntrospected = "token_introspected" //nolint:gosec // G101: event type name, not a credential

	// EventAuthFailure is logged when client or user authentication fails
	EventAuthFailure = "auth_failure"

	// EventAuthorizationCodeReuseDetected is logged when a used code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated or revoked refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventTokensRevoked is logged when refresh tokens are revoked after a replay
	EventTokensRevoked = "tokens_revoked"

	// EventScopeEscalationAttempt is logged when a request asks for scopes beyond the client's allowance
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)

// throttledEvents are events a misbehaving or hostile client can trigger at
// request rate.
var throttledEvents = map[string]bool{
	EventAuthFailure:                    true,
	EventAuthorizationCodeReuseDetected: true,
	EventRefreshTokenReuseDetected:      true,
	EventScopeEscalationAttempt:         true,
}
