package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/memory"
	sqlstore "github.com/giantswarm/oauth-core/storage/sql"
	"github.com/giantswarm/oauth-core/storage/valkey"
	"github.com/giantswarm/oauth-core/token"
)

const shutdownTimeout = 10 * time.Second

// Security log throttling: per client, one event per second with bursts of 5.
// Keys idle for 30 minutes are dropped every 5 minutes.
const (
	auditThrottleRate          = 1
	auditThrottleBurst         = 5
	auditThrottlePruneInterval = 5 * time.Minute
	auditThrottleMaxIdle       = 30 * time.Minute
)

type instrumentedStore interface {
	storage.Store
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the token and introspection endpoints",
		Example: `
  # In-memory storage with seeded clients and users
  OAUTH_CORE_SIGNING_HMAC_SECRET=$(oauth-core keygen --hmac-only) \
  OAUTH_CORE_TOKEN_ISSUER=http://localhost:8080 \
  oauth-core serve --seed seed.yaml

  # SQLite storage from a config file
  oauth-core serve --config oauth-core.yaml
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true

			cfg, err := loadConfig(opts.viper, opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", defaults["listen"].(string), "listen address")
	flags.Bool("metrics", true, "expose Prometheus metrics on /metrics")
	flags.String("seed", "", "YAML file with clients and users to create at startup")
	return cmd
}

func serve(ctx context.Context, cfg *config, logger *slog.Logger) error {
	promRegistry := prometheus.NewRegistry()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:              cfg.MetricsEnabled,
		ServiceName:          instrumentation.DefaultServiceName,
		ServiceVersion:       version,
		MetricsExporter:      metricsExporter(cfg.MetricsEnabled),
		PrometheusRegisterer: promRegistry,
	})
	if err != nil {
		return fmt.Errorf("instrumentation: %w", err)
	}
	installGlobalProviders(inst)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	store.SetInstrumentation(inst)

	if cfg.Seed != "" {
		seed, err := loadSeed(cfg.Seed)
		if err != nil {
			return err
		}
		if err := seed.apply(ctx, store, store, logger); err != nil {
			return err
		}
	}

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}

	handlers, err := capability.NewStoreHandlers(store, codec, cfg.Token, logger)
	if err != nil {
		return err
	}
	registry := capability.NewRegistry()
	handlers.Register(registry)

	throttle := security.NewEventThrottle(auditThrottleRate, auditThrottleBurst, 0, logger)
	defer startThrottlePruner(ctx, throttle, auditThrottlePruneInterval, auditThrottleMaxIdle, logger)()

	auditor := security.NewAuditor(logger, true)
	auditor.SetThrottle(throttle)
	auditor.SetInstrumentation(inst)

	srv := server.New(&server.Config{
		Token:                       cfg.Token,
		DisableRefreshTokenRotation: cfg.DisableRotation,
	}, logger)
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)

	handler := oauth.NewHandler(srv, registry, oauth.Config{
		Issuer:          cfg.Token.Issuer,
		ScopesSupported: cfg.ScopesSupported,
		Logger:          logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	logger.Info("Starting oauth-core",
		"addr", ln.Addr().String(),
		"issuer", cfg.Token.Issuer,
		"storage", cfg.Storage.Backend,
		"grant_types", srv.GrantTypes(),
		"token_sealing", cfg.Signing.EncryptionKey != "",
		"metrics", cfg.MetricsEnabled)

	if err := serveHTTP(ctx, httpServer, ln, logger); err != nil {
		return err
	}
	logger.Info("oauth-core stopped")
	return nil
}

// serveHTTP serves on ln until ctx is done, then shuts the server down and
// waits for in-flight requests. It returns before the deferred store and
// instrumentation shutdowns of serve run.
func serveHTTP(ctx context.Context, httpServer *http.Server, ln net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// installGlobalProviders makes inst the process-wide otel provider, so
// libraries instrumented through the otel globals report alongside the server.
func installGlobalProviders(inst *instrumentation.Instrumentation) {
	otel.SetTracerProvider(inst.TracerProvider())
	otel.SetMeterProvider(inst.MeterProvider())
}

func metricsExporter(enabled bool) string {
	if enabled {
		return instrumentation.MetricsExporterPrometheus
	}
	return instrumentation.MetricsExporterNone
}

// newCodec creates the HS256 codec, sealing access and refresh tokens when an
// encryption key is configured.
func newCodec(cfg *config) (*token.Codec, error) {
	secret, err := cfg.signingSecret()
	if err != nil {
		return nil, err
	}
	codec, err := token.NewHMACCodec(secret)
	if err != nil {
		return nil, err
	}

	if cfg.Signing.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.Signing.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("signing.encryption-key: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return nil, fmt.Errorf("signing.encryption-key: %w", err)
		}
		codec.SetEncryptor(enc)
	}
	return codec, nil
}

// openStore opens the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config, logger *slog.Logger) (instrumentedStore, func(), error) {
	switch cfg.Storage.Backend {
	case backendValkey:
		vc := cfg.Storage.Valkey
		storeCfg := valkey.Config{
			Address:   vc.Address,
			Password:  vc.Password,
			DB:        vc.DB,
			KeyPrefix: vc.KeyPrefix,
			Logger:    logger,
		}
		if vc.TLS {
			storeCfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(storeCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open valkey storage: %w", err)
		}
		return store, store.Close, nil

	case backendSQL:
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver: cfg.Storage.SQL.Driver,
			DSN:    cfg.Storage.SQL.DSN,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open sql storage: %w", err)
		}
		stop := startJanitor(ctx, store, cfg.Storage.SQL.CleanupInterval, logger)
		return store, func() {
			stop()
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close sql storage", "error", err)
			}
		}, nil

	default:
		store := memory.New()
		store.SetLogger(logger)
		return store, store.Stop, nil
	}
}

// startJanitor periodically deletes expired rows. Memory and Valkey expire
// entries on their own.
func startJanitor(ctx context.Context, store *sqlstore.Store, interval time.Duration, logger *slog.Logger) func() {
	return startTicker(ctx, interval, func(ctx context.Context) {
		n, err := store.DeleteExpired(ctx)
		if err != nil {
			logger.Warn("Failed to delete expired rows", "error", err)
			return
		}
		if n > 0 {
			logger.Debug("Deleted expired rows", "count", n)
		}
	})
}

// startThrottlePruner periodically drops audit throttle keys idle for longer
// than maxIdle.
func startThrottlePruner(ctx context.Context, throttle *security.EventThrottle, interval, maxIdle time.Duration, logger *slog.Logger) func() {
	return startTicker(ctx, interval, func(context.Context) {
		if n := throttle.Prune(maxIdle); n > 0 {
			logger.Debug("Pruned idle audit throttle keys", "count", n)
		}
	})
}

// startTicker runs fn every interval until ctx is done or the returned stop
// func is called. stop waits for a running fn to return. A non-positive
// interval starts nothing.
func startTicker(ctx context.Context, interval time.Duration, fn func(context.Context)) func() {
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
