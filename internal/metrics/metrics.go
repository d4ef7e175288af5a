package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicebridge"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeDropped = "dropped"
)

// Handler failure kinds.
const (
	FailureError   = "error"
	FailurePanic   = "panic"
	FailureTimeout = "timeout"
)

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	pending           prometheus.Gauge
	events            *prometheus.CounterVec
	stateChanges      prometheus.Counter
	unrouted          *prometheus.CounterVec
	handlerFailures   *prometheus.CounterVec
	deliveriesDropped prometheus.Counter
	reconnects        *prometheus.CounterVec
	connectionState   prometheus.Gauge
	subscriptions     prometheus.Gauge
	ledgerAppends     *prometheus.CounterVec
	entities          prometheus.Gauge
	reconciles        *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New creates the collectors and registers them with reg.
// A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: newCounterVec("client", "requests_total", "Commands sent to the peer by outcome", []string{"command", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "request_duration_seconds",
				Help:      "Time from send to response",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"command"},
		),
		pending:           newGauge("client", "pending_requests", "Requests awaiting a response"),
		events:            newCounterVec("dispatch", "events_total", "Events received by type", []string{"event_type"}),
		stateChanges:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "dispatch", Name: "state_changes_total", Help: "Derived state-change notifications"}),
		unrouted:          newCounterVec("dispatch", "unrouted_total", "Inbound messages dropped without a destination", []string{"kind"}),
		handlerFailures:   newCounterVec("dispatch", "handler_failures_total", "Handler invocations that failed", []string{"kind"}),
		deliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "dispatch", Name: "deliveries_dropped_total", Help: "Deliveries refused by a full handler queue"}),
		reconnects:        newCounterVec("connection", "reconnect_attempts_total", "Reconnect attempts by outcome", []string{"outcome"}),
		connectionState:   newGauge("connection", "state", "Transport state (0 disconnected, 1 connecting, 2 authenticating, 3 open)"),
		subscriptions:     newGauge("client", "subscriptions", "Active subscriptions"),
		ledgerAppends:     newCounterVec("ledger", "appends_total", "Ledger entries by outcome", []string{"outcome"}),
		entities:          newGauge("entities", "cached", "Entities held in the state cache"),
		reconciles:        newCounterVec("entities", "reconciles_total", "Cache reconciliations by outcome", []string{"outcome"}),
	}

	reg.MustRegister(
		m.requests,
		m.requestDuration,
		m.pending,
		m.events,
		m.stateChanges,
		m.unrouted,
		m.handlerFailures,
		m.deliveriesDropped,
		m.reconnects,
		m.connectionState,
		m.subscriptions,
		m.ledgerAppends,
		m.entities,
		m.reconciles,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveRequest records a completed request.
func (m *Metrics) ObserveRequest(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command, outcome).Inc()
	m.requestDuration.WithLabelValues(command).Observe(d.Seconds())
}

// SetPending sets the number of pending requests.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// EventReceived counts an inbound event.
func (m *Metrics) EventReceived(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// StateChangeDerived counts a derived state-change notification.
func (m *Metrics) StateChangeDerived() {
	if m == nil {
		return
	}
	m.stateChanges.Inc()
}

// Unrouted counts a message dropped by the dispatcher.
func (m *Metrics) Unrouted(kind string) {
	if m == nil {
		return
	}
	m.unrouted.WithLabelValues(kind).Inc()
}

// HandlerFailed counts a failed handler invocation.
func (m *Metrics) HandlerFailed(kind string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(kind).Inc()
}

// DeliveryDropped counts a delivery refused by a full queue.
func (m *Metrics) DeliveryDropped() {
	if m == nil {
		return
	}
	m.deliveriesDropped.Inc()
}

// ReconnectAttempt counts a reconnect attempt.
func (m *Metrics) ReconnectAttempt(ok bool) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeError
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

// SetConnectionState records the transport state.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// SetSubscriptions records the number of active subscriptions.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// LedgerAppend counts ledger entries by outcome.
func (m *Metrics) LedgerAppend(outcome string, n int) {
	if m == nil {
		return
	}
	m.ledgerAppends.WithLabelValues(outcome).Add(float64(n))
}

// SetEntities records the size of the entity cache.
func (m *Metrics) SetEntities(n int) {
	if m == nil {
		return
	}
	m.entities.Set(float64(n))
}

// Reconciled counts a cache reconciliation.
func (m *Metrics) Reconciled(ok bool) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeError
	}
	m.reconciles.WithLabelValues(outcome).Inc()
}
