package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrybelabs/scrybe-core/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func healthServer(healthy *atomic.Bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" && healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	}))
}

func TestStartIfNeededExternalBackendHealthy(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := healthServer(&healthy)
	defer srv.Close()

	m := NewManager(config.BackendConfig{
		Endpoint:      srv.URL,
		HealthShortMS: 200,
		HealthPollMS:  20,
	}, testLogger())
	if err := m.StartIfNeeded(context.Background(), "base", "small"); err != nil {
		t.Fatalf("StartIfNeeded() error = %v", err)
	}
}

func TestStartIfNeededExternalBackendDown(t *testing.T) {
	var healthy atomic.Bool
	srv := healthServer(&healthy)
	defer srv.Close()

	m := NewManager(config.BackendConfig{
		Endpoint:      srv.URL,
		HealthShortMS: 100,
		HealthPollMS:  20,
	}, testLogger())
	err := m.StartIfNeeded(context.Background(), "base", "small")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("StartIfNeeded() error = %v, want ErrUnavailable", err)
	}
}

func TestStartIfNeededWaitsForWarmup(t *testing.T) {
	var healthy atomic.Bool
	srv := healthServer(&healthy)
	defer srv.Close()

	go func() {
		time.Sleep(60 * time.Millisecond)
		healthy.Store(true)
	}()

	m := NewManager(config.BackendConfig{
		Endpoint:      srv.URL,
		HealthShortMS: 500,
		HealthPollMS:  20,
	}, testLogger())
	if err := m.StartIfNeeded(context.Background(), "base", "small"); err != nil {
		t.Fatalf("StartIfNeeded() error = %v", err)
	}
}

func TestStopIfIdleRespectsRecentUse(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := healthServer(&healthy)
	defer srv.Close()

	now := time.Now()
	m := NewManager(config.BackendConfig{
		Endpoint:       srv.URL,
		IdleTimeoutSec: 60,
		HealthShortMS:  100,
		HealthPollMS:   20,
	}, testLogger())
	m.clock = func() time.Time { return now }

	if err := m.StartIfNeeded(context.Background(), "base", "small"); err != nil {
		t.Fatalf("StartIfNeeded() error = %v", err)
	}
	// No owned process, so this must not panic either way.
	m.StopIfIdle()
	now = now.Add(2 * time.Minute)
	m.StopIfIdle()
}

func TestStartIfNeededRejectsBadCommand(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	m := NewManager(config.BackendConfig{
		Command:       `"unbalanced`,
		Endpoint:      srv.URL,
		HealthShortMS: 50,
		HealthLongMS:  50,
		HealthPollMS:  20,
	}, testLogger())
	if err := m.StartIfNeeded(context.Background(), "base", "small"); err == nil {
		t.Fatal("StartIfNeeded() = nil, want parse error")
	}
}
