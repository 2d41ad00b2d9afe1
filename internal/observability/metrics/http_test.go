package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveHTTPRequestCountsServerErrors(t *testing.T) {
	before := testutil.ToFloat64(httpErrors.WithLabelValues("/orders", "GET"))
	ObserveHTTPRequest("/orders", "GET", 200, 10*time.Millisecond)
	ObserveHTTPRequest("/orders", "GET", 503, 10*time.Millisecond)
	if got := testutil.ToFloat64(httpErrors.WithLabelValues("/orders", "GET")); got != before+1 {
		t.Fatalf("expected one more server error, got %v -> %v", before, got)
	}
}

func TestHandlerExposesDomainCounters(t *testing.T) {
	ObserveExecution("transient", time.Second)
	ObserveTransition("paused")
	ObserveReconcile("expire", "completed", 2)
	ObserveReconcile("expire", "noop", 0)
	ObserveRegistry("success")
	ObserveTick(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`dca_executions_total{result="transient"}`,
		`dca_order_transitions_total{status="paused"}`,
		`dca_reconcile_actions_total{action="completed",job="expire"} 2`,
		`dca_registry_attempts_total{result="success"}`,
		`dca_scheduler_ticks_total{kind="dispatched"}`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
	if strings.Contains(string(body), `action="noop"`) {
		t.Fatalf("zero-count reconcile action should not create a series")
	}
}
