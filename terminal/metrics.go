package terminal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the terminal's Prometheus counters.
type Metrics struct {
	Authorizations  *prometheus.CounterVec
	PinRetries      prometheus.Counter
	ReversalsQueued prometheus.Counter
	KeyRotations    prometheus.Counter
}

// NewMetrics creates and registers all counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Authorizations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "terminal_authorizations_total",
			Help: "Authorization outcomes by result (approved, declined, error).",
		}, []string{"outcome"}),
		PinRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "terminal_pin_retries_total",
			Help: "PIN re-entry prompts after a wrong-PIN response.",
		}),
		ReversalsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "terminal_reversals_queued_total",
			Help: "Reversal records queued after unknown authorization outcomes.",
		}),
		KeyRotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "terminal_key_rotations_total",
			Help: "Key rotation requests issued after a key-sync response.",
		}),
	}
}
