// Package prometheus holds the process-wide registry helpers.
package prometheus

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DefaultRegistry is the registerer promauto and Register use.
	DefaultRegistry = prometheus.DefaultRegisterer

	// DefaultGatherer backs Handler.
	DefaultGatherer = prometheus.DefaultGatherer
)

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultGatherer, promhttp.HandlerOpts{})
}

// Register registers collectors, tolerating ones that are already present
// so packages may register lazily from more than one entry point.
func Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := DefaultRegistry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
