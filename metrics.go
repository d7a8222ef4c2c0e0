package pgbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bus's Prometheus instrumentation. A nil *Metrics is
// valid everywhere one is accepted and records nothing.
type Metrics struct {
	signals         *prometheus.CounterVec
	envelopes       *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	locksBusy       prometheus.Counter
	reconnects      prometheus.Counter
}

// NewMetrics creates and registers the bus metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pgbus_signals_received_total",
			Help: "Wake-up signals received, per channel.",
		}, []string{"channel"}),
		envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pgbus_envelopes_total",
			Help: "Envelope dispatch outcomes (done, failed, requeued), per channel.",
		}, []string{"channel", "outcome"}),
		handlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pgbus_handler_failures_total",
			Help: "Handler errors and panics, per channel and handler.",
		}, []string{"channel", "handler"}),
		locksBusy: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgbus_locks_busy_total",
			Help: "Envelopes skipped because another process held the lock.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgbus_reconnects_total",
			Help: "Listener subscription losses and failed connect attempts.",
		}),
	}
}

func (m *Metrics) signal(channel string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(channel).Inc()
}

func (m *Metrics) dispatched(channel, outcome string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) handlerFailure(channel, handler string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(channel, handler).Inc()
}

func (m *Metrics) lockBusy() {
	if m == nil {
		return
	}
	m.locksBusy.Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
