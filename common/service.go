// Package common holds process-wide helpers shared by the gateway packages.
package common

import (
	"github.com/djeer/cryptology-go/common/backoff"
	consumer "github.com/djeer/cryptology-go/common/kafka/consumer"
	producer "github.com/djeer/cryptology-go/common/kafka/producer"
)

// ServiceNameKey is the metric label every subsystem uses for the service.
const ServiceNameKey = "service"

// InitServiceName sets the service label of the back-off and Kafka
// metrics. Call it from main before anything emits metrics.
func InitServiceName(name string) {
	backoff.SetServiceLabel(name)
	producer.SetServiceLabel(name)
	consumer.SetServiceLabel(name)
}
