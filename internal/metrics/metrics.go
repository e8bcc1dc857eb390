// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// Sessions counts session attempts by outcome: the error kind, or
	// "canceled".
	Sessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptology_gateway", Subsystem: "session", Name: "ended_total",
		Help: "Venue sessions ended, by reason",
	}, []string{"reason"})

	// SessionReady is 1 while a session is authenticated.
	SessionReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cryptology_gateway", Subsystem: "session", Name: "ready",
		Help: "1 while an authenticated venue session is running",
	})

	ReconnectDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cryptology_gateway", Subsystem: "session", Name: "reconnect_delay_seconds",
		Help:    "Pause before reconnecting to the venue",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	Forwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptology_gateway", Subsystem: "bridge", Name: "outbound_sent_total",
		Help: "Outbound records sent to the venue",
	})

	Skipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptology_gateway", Subsystem: "bridge", Name: "outbound_skipped_total",
		Help: "Outbound records dropped because they are not JSON",
	})

	Published = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptology_gateway", Subsystem: "bridge", Name: "inbound_published_total",
		Help: "Venue messages published to Kafka",
	})

	Throttled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptology_gateway", Subsystem: "bridge", Name: "throttled_total",
		Help: "Throttling signals received from the venue",
	})

	// LastSeenOrder is the cursor the next session resumes from.
	LastSeenOrder = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cryptology_gateway", Subsystem: "cursor", Name: "last_seen_order",
		Help: "Highest venue message id stored",
	})
)

// Register registers all metrics exactly once.
// If r == nil, uses prometheus.DefaultRegisterer; duplicate registrations are ignored.
func Register(r prometheus.Registerer) {
	once.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		collectors := []prometheus.Collector{
			Sessions,
			SessionReady,
			ReconnectDelay,
			Forwarded,
			Skipped,
			Published,
			Throttled,
			LastSeenOrder,
		}
		for _, c := range collectors {
			if err := r.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}
