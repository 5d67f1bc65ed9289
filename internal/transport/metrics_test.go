package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anvil-run/anvil/internal/obsv"
)

func TestMetricsMountsWhenConfigured(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedProvider{})
	srv.cfg.Metrics = obsv.NewMetrics()
	// New already registered the routes; rebuild them on a fresh mux so the
	// second registration does not panic.
	srv.mux = http.NewServeMux()
	srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMetricsOmittedWhenNotConfigured(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedProvider{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when metrics disabled", rr.Code)
	}
}
