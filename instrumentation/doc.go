// Package instrumentation provides OpenTelemetry instrumentation for oauth-core.
//
// Metrics and traces cover the grant executors, the token introspector, the
// storage backends and the HTTP adapter. When instrumentation is disabled no-op
// providers are used.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "my-auth-server",
//		ServiceVersion:  "1.0.0",
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Grants and introspection:
//   - oauth.grant.requests.total{grant_type, client_id, result}
//   - oauth.grant.duration{grant_type}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.introspection.total{token_type_hint, result}
//
// Security:
//   - oauth.security.client_auth_failures{reason}
//   - oauth.security.code_reuse_detected
//   - oauth.security.log_dropped{event_type}
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.clients.count, storage.codes.count, storage.refresh_tokens.count
//
// # Security Considerations
//
// Never record token values, authorization codes, client secrets or passwords
// as span attributes or metric labels. Only metadata such as grant types,
// token kinds and error reasons is recorded.
package instrumentation
