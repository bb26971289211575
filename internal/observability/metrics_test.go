package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics("gg_test", "test")

	m.LoginAttempt("success")
	m.LoginAttempt("success")
	m.LoginAttempt("provider_error")
	m.DirectoryLookup("status")
	m.Reconciliation("conflict_recovered")
	m.RateLimitRejected()
	m.ObserveHTTP("GET", "/login", 302, 5*time.Millisecond)

	if got := testutil.ToFloat64(m.loginAttempts.WithLabelValues("success")); got != 2 {
		t.Errorf("login success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.directoryLookups.WithLabelValues("status")); got != 1 {
		t.Errorf("directory status = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reconciliations.WithLabelValues("conflict_recovered")); got != 1 {
		t.Errorf("reconciliations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rateLimitRejections); got != 1 {
		t.Errorf("rate limit rejections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/login", "302")); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics("", "1.2.3")
	m.LoginAttempt("success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`guildgate_login_attempts_total{outcome="success"} 1`,
		`guildgate_build_info{version="1.2.3"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.LoginAttempt("success")
	m.DirectoryLookup("ok")
	m.Reconciliation("created")
	m.RateLimitRejected()
	m.ObserveHTTP("GET", "/", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}
