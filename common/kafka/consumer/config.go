package consumer

import (
	"fmt"

	"github.com/djeer/cryptology-go/common/backoff"
)

// Config describes a sarama ConsumerGroup.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	// Version is the Kafka protocol version, e.g. "2.8.0".
	Version string `mapstructure:"version"`
	// OffsetOldest starts a new group from the beginning of the topic.
	OffsetOldest bool           `mapstructure:"offset_oldest"`
	Backoff      backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka consumer: brokers required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka consumer: group_id required")
	}
	return nil
}
