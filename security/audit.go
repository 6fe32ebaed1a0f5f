// Package security provides the security plumbing shared by the grant engine
// and the HTTP adapter: audit logging, token sealing, expiry checks and request
// correlation.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-core/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	throttle *EventThrottle
	metrics  *instrumentation.Metrics
	now      func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetThrottle limits how often noisy events (auth failures, code reuse) are
// written for the same client. Suppressed events are still counted.
func (a *Auditor) SetThrottle(throttle *EventThrottle) {
	a.throttle = throttle
}

// SetInstrumentation enables audit event metrics
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// logEvent logs a security event with hashed PII
func (a *Auditor) logEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(ctx, event.Type)
	}

	if throttledEvents[event.Type] && a.throttle != nil && !a.throttle.Allow(event.Type+"|"+event.ClientID) {
		if a.metrics != nil {
			a.metrics.RecordSecurityLogDropped(ctx, event.Type)
		}
		return
	}

	event.Timestamp = a.now()
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	a.logger.InfoContext(ctx, "security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a token set is issued by a grant
func (a *Auditor) LogTokenIssued(ctx context.Context, userID, clientID, grantType, scope string) {
	a.logEvent(ctx, Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(ctx context.Context, userID, clientID string, rotated bool) {
	a.logEvent(ctx, Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogAuthFailure logs an authentication failure. reason distinguishes causes
// that share one client-facing message.
func (a *Auditor) LogAuthFailure(ctx context.Context, userID, clientID, reason string) {
	a.logEvent(ctx, Event{
		Type:     EventAuthFailure,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeReuse logs a redemption attempt for an already used authorization code
func (a *Auditor) LogCodeReuse(ctx context.Context, userID, clientID string) {
	a.logEvent(ctx, Event{
		Type:     EventAuthorizationCodeReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"severity": "high",
		},
	})
}

// LogRefreshTokenReuse logs a rotated or revoked refresh token presented again
func (a *Auditor) LogRefreshTokenReuse(ctx context.Context, userID, clientID, familyID string) {
	a.logEvent(ctx, Event{
		Type:     EventRefreshTokenReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"severity":  "high",
			"family_id": hashForLogging(familyID),
		},
	})
}

// LogTokensRevoked logs refresh tokens revoked in response to a replay
func (a *Auditor) LogTokensRevoked(ctx context.Context, userID, clientID, trigger string, count int) {
	a.logEvent(ctx, Event{
		Type:     EventTokensRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"trigger": trigger,
			"count":   count,
		},
	})
}

// LogScopeEscalation logs a request for scopes outside the client's allowance
func (a *Auditor) LogScopeEscalation(ctx context.Context, userID, clientID string, rejected []string) {
	a.logEvent(ctx, Event{
		Type:     EventScopeEscalationAttempt,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"rejected_scopes": rejected,
		},
	})
}

// LogIntrospection logs a completed token introspection
func (a *Auditor) LogIntrospection(ctx context.Context, clientID, tokenTypeHint string, active bool) {
	a.logEvent(ctx, Event{
		Type:     EventTokenIntrospected,
		ClientID: clientID,
		Details: map[string]any{
			"token_type_hint": tokenTypeHint,
			"active":          active,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
