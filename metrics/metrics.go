// Package metrics exposes Prometheus collectors for the synchronization engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Send outcomes.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Metrics holds the engine collectors.
type Metrics struct {
	sends                *prometheus.CounterVec
	sendLatency          prometheus.Histogram
	rollbacks            *prometheus.CounterVec
	lockContention       *prometheus.CounterVec
	pageFetches          *prometheus.CounterVec
	notificationsDropped prometheus.Counter
	openConversations    prometheus.Gauge
	locksHeld            prometheus.Gauge
	gatherer             prometheus.Gatherer
}

// New creates the collectors and registers them on registry. A nil registry
// gets a private one.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Provisional sends by outcome.",
		}, []string{"outcome"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_reconcile_seconds",
			Help:      "Time from send intent to reconciliation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Optimistic mutations reverted after a remote failure.",
		}, []string{"operation"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Mutations refused because the resource lock was held.",
		}, []string{"resource"}),
		pageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_fetches_total",
			Help:      "History page fetches by kind and result.",
		}, []string{"kind", "result"}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications discarded without delivery.",
		}),
		openConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_conversations",
			Help:      "Conversations with an open view.",
		}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks_held",
			Help:      "Resource locks currently held by in-flight mutations.",
		}),
		gatherer: registry,
	}

	for _, collector := range []prometheus.Collector{
		m.sends, m.sendLatency, m.rollbacks, m.lockContention,
		m.pageFetches, m.notificationsDropped, m.openConversations, m.locksHeld,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SendSettled(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
	m.sendLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) RolledBack(operation string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(operation).Inc()
}

func (m *Metrics) LockContended(resource string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(resource).Inc()
}

func (m *Metrics) PageFetched(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.pageFetches.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notificationsDropped.Inc()
}

func (m *Metrics) ConversationOpened() {
	if m == nil {
		return
	}
	m.openConversations.Inc()
}

func (m *Metrics) ConversationClosed() {
	if m == nil {
		return
	}
	m.openConversations.Dec()
}

func (m *Metrics) LocksHeld(n int) {
	if m == nil {
		return
	}
	m.locksHeld.Set(float64(n))
}
