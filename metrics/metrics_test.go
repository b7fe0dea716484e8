package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetQueue(3, 1)
	m.ObserveDispatch(1, time.Second)
	m.ObserveFailure(5)
	m.SetConnectionState(2)
	m.ObserveConnectAttempt(true)
	m.ObserveReconnect()
	m.ObserveRequest("call", true, time.Millisecond)
	m.ObserveCache("plugins", true)
	m.ObserveScriptTier(1, false)
	m.ObserveBlocked("dangerous")
	m.ObserveViewMode("safe")
	if m.Registry() != nil {
		t.Fatal("expected nil registry for nil metrics")
	}
}

func TestRecordersUpdateCollectors(t *testing.T) {
	m := New()
	m.SetQueue(4, 2)
	m.ObserveDispatch(1, 10*time.Millisecond)
	m.ObserveDispatch(1, 10*time.Millisecond)
	m.ObserveCache("plugins", false)

	if got := testutil.ToFloat64(m.QueueDepth); got != 4 {
		t.Fatalf("expected depth 4, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDispatched.WithLabelValues("1")); got != 2 {
		t.Fatalf("expected 2 dispatches, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("plugins", "miss")); got != 1 {
		t.Fatalf("expected 1 miss, got %v", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.ObserveBlocked("dangerous")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unreal_bridge_safety_blocked_total") {
		t.Fatalf("expected bridge metrics in exposition, got:\n%s", rec.Body.String())
	}
}
