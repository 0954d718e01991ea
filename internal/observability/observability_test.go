package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"FundLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test: Logging
// ============================================================================

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("%q: got %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerTo_Component(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "core", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("visible")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "core" || line["message"] != "visible" {
		t.Errorf("unexpected log line %v", line)
	}
}

// ============================================================================
// Test: Health
// ============================================================================

func TestReadiness_RequiresFlagAndChecks(t *testing.T) {
	h := observability.NewHealthChecker()

	get := func() int {
		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec.Code
	}

	if got := get(); got != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503 before ready", got)
	}

	h.SetReady(true)
	if got := get(); got != http.StatusOK {
		t.Errorf("got %d, want 200", got)
	}

	h.AddCheck("database", func(context.Context) error { return errors.New("down") })
	if got := get(); got != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503 with failing check", got)
	}
	if failed := h.Check(context.Background()); failed["database"] != "down" {
		t.Errorf("unexpected failures %v", failed)
	}
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	observability.NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("got %d, want 200", rec.Code)
	}
}

// ============================================================================
// Test: Metrics
// ============================================================================

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	m1 := observability.NewMetrics(prometheus.NewRegistry())
	m2 := observability.NewMetrics(prometheus.NewRegistry())

	m1.CoreCommandsApplied.WithLabelValues("Deposit").Inc()
	if got := testutil.ToFloat64(m1.CoreCommandsApplied.WithLabelValues("Deposit")); got != 1 {
		t.Errorf("got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m2.CoreCommandsApplied.WithLabelValues("Deposit")); got != 0 {
		t.Errorf("got %v, want 0", got)
	}

	m1.SetChannelMetrics("persist", 5, 10)
	if got := testutil.ToFloat64(m1.ChannelUtilization.WithLabelValues("persist")); got != 0.5 {
		t.Errorf("got %v, want 0.5", got)
	}
}

func TestSetupTracing_NoEndpoint(t *testing.T) {
	shutdown, err := observability.SetupTracing(context.Background(), "fundledger", "")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
