package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the library
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant Metrics
	GrantRequestsTotal metric.Int64Counter
	GrantDuration      metric.Float64Histogram
	TokenRefreshed     metric.Int64Counter

	// Introspection Metrics
	IntrospectionTotal metric.Int64Counter

	// Security Metrics
	ClientAuthFailures   metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	RefreshReuseDetected metric.Int64Counter
	RefreshTokensRevoked metric.Int64Counter
	SecurityLogDropped   metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	storageMeter := inst.Meter("storage")
	securityMeter := inst.Meter("security")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.GrantRequestsTotal, err = serverMeter.Int64Counter(
		"oauth.grant.requests.total",
		metric.WithDescription("Number of grant executions by grant type and result"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.requests.total counter: %w", err)
	}

	m.GrantDuration, err = serverMeter.Float64Histogram(
		"oauth.grant.duration",
		metric.WithDescription("Grant execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.duration histogram: %w", err)
	}

	m.TokenRefreshed, err = serverMeter.Int64Counter(
		"oauth.token.refreshed",
		metric.WithDescription("Number of tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.IntrospectionTotal, err = serverMeter.Int64Counter(
		"oauth.introspection.total",
		metric.WithDescription("Number of token introspections by hint and outcome"),
		metric.WithUnit("{introspection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection.total counter: %w", err)
	}

	m.ClientAuthFailures, err = securityMeter.Int64Counter(
		"oauth.security.client_auth_failures",
		metric.WithDescription("Number of failed client authentications by reason"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.client_auth_failures counter: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"oauth.security.code_reuse_detected",
		metric.WithDescription("Number of authorization code reuse attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.code_reuse_detected counter: %w", err)
	}

	m.RefreshReuseDetected, err = securityMeter.Int64Counter(
		"oauth.security.refresh_reuse_detected",
		metric.WithDescription("Number of rotated or revoked refresh tokens presented again"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.refresh_reuse_detected counter: %w", err)
	}

	m.RefreshTokensRevoked, err = securityMeter.Int64Counter(
		"oauth.security.refresh_tokens_revoked",
		metric.WithDescription("Number of refresh tokens revoked after replay, by trigger"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.refresh_tokens_revoked counter: %w", err)
	}

	m.SecurityLogDropped, err = securityMeter.Int64Counter(
		"oauth.security.log_dropped",
		metric.WithDescription("Number of security log lines suppressed by throttling"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.log_dropped counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.StorageCodesCount, err = storageMeter.Int64ObservableGauge(
		"storage.codes.count",
		metric.WithDescription("Number of stored authorization codes"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	m.StorageRefreshTokensCount, err = storageMeter.Int64ObservableGauge(
		"storage.refresh_tokens.count",
		metric.WithDescription("Number of live refresh token records"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.refresh_tokens.count gauge: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"oauth.audit.events.total",
		metric.WithDescription("Number of audit events by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordGrant records one grant execution
func (m *Metrics) RecordGrant(ctx context.Context, grantType, clientID, result string, durationMs float64) {
	m.GrantRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
	m.GrantDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordIntrospection records a token introspection. result is "active",
// "inactive" or an error reason.
func (m *Metrics) RecordIntrospection(ctx context.Context, tokenTypeHint, result string) {
	m.IntrospectionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type_hint", tokenTypeHint),
		attribute.String("result", result),
	))
}

// RecordClientAuthFailure records a failed client authentication
func (m *Metrics) RecordClientAuthFailure(ctx context.Context, reason string) {
	m.ClientAuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshReuseDetected records a replayed refresh token
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context) {
	m.RefreshReuseDetected.Add(ctx, 1)
}

// RecordRefreshTokensRevoked records refresh tokens revoked after a replay
func (m *Metrics) RecordRefreshTokensRevoked(ctx context.Context, trigger string, count int) {
	m.RefreshTokensRevoked.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("trigger", trigger),
	))
}

// RecordSecurityLogDropped records a throttled security log line
func (m *Metrics) RecordSecurityLogDropped(ctx context.Context, eventType string) {
	m.SecurityLogDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
