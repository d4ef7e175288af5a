package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("get_states", OutcomeSuccess, 20*time.Millisecond)
	m.ObserveRequest("get_states", OutcomeSuccess, 30*time.Millisecond)
	m.ObserveRequest("ping", OutcomeTimeout, time.Second)
	m.EventReceived("state_changed")
	m.StateChangeDerived()
	m.HandlerFailed(FailurePanic)
	m.DeliveryDropped()
	m.ReconnectAttempt(false)
	m.ReconnectAttempt(true)
	m.LedgerAppend(OutcomeSuccess, 3)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("get_states", OutcomeSuccess)); got != 2 {
		t.Errorf("requests{get_states,success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("ping", OutcomeTimeout)); got != 1 {
		t.Errorf("requests{ping,timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("state_changed")); got != 1 {
		t.Errorf("events{state_changed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stateChanges); got != 1 {
		t.Errorf("state_changes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.handlerFailures.WithLabelValues(FailurePanic)); got != 1 {
		t.Errorf("handler_failures{panic} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reconnects.WithLabelValues(OutcomeError)); got != 1 {
		t.Errorf("reconnects{error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ledgerAppends.WithLabelValues(OutcomeSuccess)); got != 3 {
		t.Errorf("ledger_appends{success} = %v, want 3", got)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetPending(4)
	m.SetSubscriptions(2)
	m.SetConnectionState(3)

	if got := testutil.ToFloat64(m.pending); got != 4 {
		t.Errorf("pending = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.subscriptions); got != 2 {
		t.Errorf("subscriptions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.connectionState); got != 3 {
		t.Errorf("state = %v, want 3", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.ObserveRequest("ping", OutcomeSuccess, time.Millisecond)
	m.SetPending(1)
	m.EventReceived("x")
	m.StateChangeDerived()
	m.Unrouted("unknown")
	m.HandlerFailed(FailureError)
	m.DeliveryDropped()
	m.ReconnectAttempt(true)
	m.SetConnectionState(0)
	m.SetSubscriptions(0)
	m.LedgerAppend(OutcomeDropped, 1)
	m.SetEntities(3)
	m.Reconciled(false)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.EventReceived("call_service")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `voicebridge_dispatch_events_total{event_type="call_service"} 1`) {
		t.Errorf("metrics output missing events counter:\n%s", body)
	}
}
