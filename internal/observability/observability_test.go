package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"MarketLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	probe := func() int {
		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec.Code
	}

	if got := probe(); got != http.StatusServiceUnavailable {
		t.Fatalf("before ready: got %d", got)
	}

	h.SetReady(true)
	if got := probe(); got != http.StatusOK {
		t.Fatalf("ready: got %d", got)
	}

	h.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	if got := probe(); got != http.StatusServiceUnavailable {
		t.Fatalf("failing dependency: got %d", got)
	}
	if failed := h.Check(context.Background()); failed["postgres"] != "connection refused" {
		t.Errorf("failures: %v", failed)
	}
}

func TestLiveness(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestSetChannelMetrics(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 64, 256)

	if got := testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")); got != 0.25 {
		t.Errorf("utilization: got %v, want 0.25", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := observability.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
