package main

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
)

func TestServeHTTP_DrainsInFlightRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	started := make(chan struct{})
	var finished atomic.Bool
	httpServer := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			w.WriteHeader(http.StatusNoContent)
		}),
		ReadHeaderTimeout: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- serveHTTP(ctx, httpServer, ln, discardLogger)
	}()

	respCh := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			respCh <- 0
			return
		}
		_ = resp.Body.Close()
		respCh <- resp.StatusCode
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the handler")
	}
	cancel()

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serveHTTP() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveHTTP() did not return after cancellation")
	}

	// Dependencies are closed after serveHTTP returns, so the request must
	// have completed by then.
	if !finished.Load() {
		t.Error("serveHTTP() returned before the in-flight request finished")
	}
	if code := <-respCh; code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", code, http.StatusNoContent)
	}
}

func TestServeHTTP_ListenerError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	_ = ln.Close()

	httpServer := &http.Server{Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
	if err := serveHTTP(context.Background(), httpServer, ln, discardLogger); err == nil {
		t.Error("serveHTTP() on a closed listener should fail")
	}
}

func TestStartTicker(t *testing.T) {
	var calls atomic.Int32
	stop := startTicker(context.Background(), 5*time.Millisecond, func(context.Context) {
		calls.Add(1)
	})

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	n := calls.Load()
	if n < 2 {
		t.Fatalf("calls = %d, want at least 2", n)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != n {
		t.Error("ticker kept running after stop")
	}
}

func TestStartTicker_Disabled(t *testing.T) {
	stop := startTicker(context.Background(), 0, func(context.Context) {
		t.Error("fn called with a zero interval")
	})
	stop()
}

func TestStartThrottlePruner(t *testing.T) {
	throttle := security.NewEventThrottle(1, 1, 0, discardLogger)
	throttle.Allow("client-a")
	throttle.Allow("client-b")

	stop := startThrottlePruner(context.Background(), throttle, 5*time.Millisecond, time.Nanosecond, discardLogger)
	defer stop()

	deadline := time.Now().Add(5 * time.Second)
	for throttle.Stats().Keys > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if keys := throttle.Stats().Keys; keys != 0 {
		t.Errorf("Keys = %d after pruning, want 0", keys)
	}
}

func TestInstallGlobalProviders(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	installGlobalProviders(inst)

	if otel.GetTracerProvider() != inst.TracerProvider() {
		t.Error("global tracer provider was not installed")
	}
	if otel.GetMeterProvider() != inst.MeterProvider() {
		t.Error("global meter provider was not installed")
	}
}
