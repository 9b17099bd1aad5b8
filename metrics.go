package ctxz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics counts the diagnostic conditions so misuse stays inspectable
// even when the logger is a nop.
type metrics struct {
	violations prometheus.Counter
	detached   prometheus.Counter
	collisions prometheus.Counter
	removed    prometheus.Counter
}

// newMetrics builds the counter set. A nil registerer yields live but
// unregistered counters.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		violations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxz_consistency_violations_total",
			Help: "Derivations whose base key was not registered.",
		}),
		detached: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxz_detached_contexts_total",
			Help: "Fresh detached contexts handed out because no active context resolved.",
		}),
		collisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxz_key_collisions_total",
			Help: "Enter calls that derived a dummy key for an already-registered identifier.",
		}),
		removed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxz_keys_removed_total",
			Help: "Store keys removed by recursive cleanup.",
		}),
	}
}
