// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMetrics_HandlerServesPrometheusExposition(t *testing.T) {
	m := New()
	m.ConnectionsAccepted.Inc()
	m.ConnectionsActive.Inc()
	m.RequestsTotal.WithLabelValues(StatusClass(200)).Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "stagedhttp_connections_accepted_total 1") {
		t.Fatalf("expected accepted counter in exposition, got: %s", body)
	}
	if !strings.Contains(body, `stagedhttp_requests_total{status_class="2xx"} 1`) {
		t.Fatalf("expected labeled requests counter in exposition, got: %s", body)
	}
}

func TestMetrics_HealthHandlerReportsUptimeAndPID(t *testing.T) {
	m := New()
	started := time.Now().Add(-2 * time.Second)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	m.HealthHandler(started).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"status":"ok"`) {
		t.Fatalf("expected status ok in health body, got: %s", body)
	}
	if !strings.Contains(body, "uptime_seconds") {
		t.Fatalf("expected uptime_seconds field, got: %s", body)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 500: "5xx", 0: "other"}
	for code, want := range cases {
		if got := StatusClass(code); got != want {
			t.Errorf("StatusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestMetrics_SnapshotReflectsLiveCounters(t *testing.T) {
	m := New()
	m.ConnectionsAccepted.Inc()
	m.ConnectionsAccepted.Inc()
	m.ConnectionsActive.Inc()
	m.RequestsTotal.WithLabelValues("2xx").Inc()
	m.RequestsTotal.WithLabelValues("4xx").Inc()

	accepted, active, requests := m.Snapshot()
	if accepted != 2 {
		t.Errorf("expected 2 accepted connections, got %d", accepted)
	}
	if active != 1 {
		t.Errorf("expected 1 active connection, got %d", active)
	}
	if requests != 2 {
		t.Errorf("expected 2 total requests summed across status classes, got %d", requests)
	}
}

func TestHostSampler_CollectsWithoutPanicking(t *testing.T) {
	m := New()
	s := NewHostSampler(m, testLogger(), 10*time.Millisecond)
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}
