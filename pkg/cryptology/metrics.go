package cryptology

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	sentMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptology", Subsystem: "client", Name: "sent_messages_total",
		Help: "Envelopes written to the venue",
	})
	sendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptology", Subsystem: "client", Name: "send_errors_total",
		Help: "Send calls that failed after a sequence id was assigned",
	})
	receivedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptology", Subsystem: "client", Name: "received_frames_total",
		Help: "Inbound frames by classification",
	}, []string{"type"})
	sessionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptology", Subsystem: "client", Name: "errors_total",
		Help: "Terminal session errors by kind",
	}, []string{"kind"})
	throttleDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cryptology", Subsystem: "client", Name: "throttle_delay_seconds",
		Help:    "Delays applied before sends after throttling signals",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

// RegisterMetrics registers the client collectors with r once. Without
// it the collectors still count but are not exported.
func RegisterMetrics(r prometheus.Registerer) {
	metricsOnce.Do(func() {
		for _, c := range []prometheus.Collector{sentMessages, sendErrors, receivedFrames, sessionErrors, throttleDelay} {
			_ = r.Register(c)
		}
	})
}
