package server

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
)

// Server executes grants and introspection against a capability registry.
// It holds no per-request state; the registry is passed into every call.
type Server struct {
	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time

	executors map[string]GrantExecutor
}

// New creates a new server
func New(config *Config, logger *slog.Logger) *Server {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		Config: config,
		Logger: logger,
		now:    time.Now,
	}

	srv.executors = make(map[string]GrantExecutor)
	for _, e := range []GrantExecutor{
		&PasswordGrant{srv: srv},
		&AuthorizationCodeGrant{srv: srv},
		&RefreshTokenGrant{srv: srv},
	} {
		srv.executors[e.GrantType()] = e
	}

	return srv
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables tracing and metrics
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	} else {
		s.tracer = nil
	}
}

// Instrumentation returns the instrumentation set with SetInstrumentation, or nil
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// SetClock replaces the time source used for expiry checks
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Executor returns the executor for grantType.
func (s *Server) Executor(grantType string) (GrantExecutor, bool) {
	e, ok := s.executors[grantType]
	return e, ok
}

// GrantTypes lists the supported grant types in sorted order
func (s *Server) GrantTypes() []string {
	types := make([]string, 0, len(s.executors))
	for grantType := range s.executors {
		types = append(types, grantType)
	}
	slices.Sort(types)
	return types
}

// Exchange dispatches req to the executor of its grant type.
func (s *Server) Exchange(ctx context.Context, reg *capability.Registry, req *TokenRequest) (*capability.TokenSet, Errors) {
	if req == nil {
		req = &TokenRequest{}
	}
	if req.GrantType == "" {
		return nil, Errors{missingField("grant_type")}
	}

	executor, ok := s.Executor(req.GrantType)
	if !ok {
		s.Logger.Debug("Unsupported grant type requested",
			"grant_type", req.GrantType,
			"client_id", req.ClientID)
		return nil, Errors{unsupportedGrantType(req.GrantType)}
	}
	return executor.Exec(ctx, reg, req)
}

// requireCapabilities reports every missing handler, in order.
func requireCapabilities(reg *capability.Registry, names ...capability.Name) Errors {
	var errs Errors
	for _, name := range lookup(reg).Require(names...) {
		errs = append(errs, missingHandler(name))
	}
	return errs
}

// startSpan starts a span when instrumentation is enabled. Without a tracer
// it returns a no-op span so callers can always end it.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, noop.Span{}
	}
	return s.tracer.Start(ctx, name)
}

// finishSpan records the outcome of an operation on span
func finishSpan(span trace.Span, errs Errors) {
	if first := errs.First(); first != nil {
		instrumentation.AddErrorAttributes(span, string(first.Kind), string(first.Reason), len(errs))
		instrumentation.SetSpanError(span, first.Message)
		return
	}
	instrumentation.SetSpanSuccess(span)
}

// metrics returns the metrics recorder, or nil when instrumentation is off
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// result labels a metric with the outcome of errs
func result(errs Errors) string {
	if first := errs.First(); first != nil {
		return string(first.Reason)
	}
	return "success"
}
