// Package metrics exposes courier's Prometheus instruments.
//
// Every Metrics value owns its own registry so several applications (and
// tests) can coexist in one process. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/pkg/types"
)

const namespace = "courier"

// Error kinds used as the "kind" label of courier_errors_total.
const (
	KindValidation  = "validation"
	KindRateLimited = "rate_limited"
	KindPersistence = "persistence"
	KindNotFound    = "not_found"
	KindAuth        = "auth"
	KindInternal    = "internal"
)

// Metrics groups the instruments recorded by the hub and delivery pipeline
type Metrics struct {
	registry     *prometheus.Registry
	events       *prometheus.CounterVec
	messages     *prometheus.CounterVec
	rateLimited  prometheus.Counter
	errors       *prometheus.CounterVec
	sendDuration prometheus.Histogram
}

// New creates the instruments on a fresh registry together with the Go and
// process collectors
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Client events received, by event name.",
		}, []string{"event"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Private message state transitions, by resulting state.",
		}, []string{"state"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Send attempts rejected by the rate limiter.",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors returned to clients, by kind.",
		}, []string{"kind"}),
		sendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time from send_message receipt to message_sent acknowledgement.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}

// RegisterOnline exposes the presence directory size as courier_online_connections
func (m *Metrics) RegisterOnline(count func() int) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_connections",
		Help:      "Identities with a registered real-time connection.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) MessageState(state types.MessageState) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSend(d time.Duration) {
	if m == nil {
		return
	}
	m.sendDuration.Observe(d.Seconds())
}

// KindOf classifies err into one of the error kind labels
func KindOf(err error) string {
	switch {
	case errors.Is(err, types.ErrValidation):
		return KindValidation
	case errors.Is(err, types.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, types.ErrPersistence):
		return KindPersistence
	case errors.Is(err, types.ErrNotFoundOrUnauthorized):
		return KindNotFound
	case errors.Is(err, types.ErrAuth):
		return KindAuth
	default:
		return KindInternal
	}
}
