// Package metrics exposes Prometheus instrumentation for the bus. All
// counters are optional: components nil-check their *Metrics so the bus runs
// unchanged with instrumentation disabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatwire"

// Metrics bundles the counters shared by the runtime, the batch dispatcher,
// and the router.
type Metrics struct {
	// MessagesHandled counts envelopes processed by the runtime, labelled
	// by platform and result (ok, error, unrouted).
	MessagesHandled *prometheus.CounterVec

	// BatchFlushes counts dispatcher flush calls; BatchedEnvelopes counts
	// the envelopes they carried.
	BatchFlushes     prometheus.Counter
	BatchedEnvelopes prometheus.Counter

	// Reconnects counts router reconnection attempts per platform.
	Reconnects *prometheus.CounterVec
}

// Result label values for MessagesHandled.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultUnrouted = "unrouted"
)

// New registers the bus counters on reg. Pass prometheus.DefaultRegisterer
// to expose them through the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Envelopes processed by the message runtime.",
		}, []string{"platform", "result"}),
		BatchFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushes_total",
			Help:      "Flush calls issued by batch dispatchers.",
		}),
		BatchedEnvelopes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batched_envelopes_total",
			Help:      "Envelopes delivered through batch dispatcher flushes.",
		}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_reconnects_total",
			Help:      "Reconnection attempts made by the router.",
		}, []string{"platform"}),
	}
}
