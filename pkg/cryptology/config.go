package cryptology

import (
	"fmt"
	"time"
)

// Config describes one venue session.
type Config struct {
	URL       string `mapstructure:"ws_url"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// GetBalances and GetOrderBooks request state snapshots in the
	// handshake response.
	GetBalances   bool `mapstructure:"get_balances"`
	GetOrderBooks bool `mapstructure:"get_order_books"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// ReadTimeout is how long the connection may stay silent, pongs
	// included, before the session fails with a heartbeat error.
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// ApplyDefaults fills zero durations.
func (c *Config) ApplyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 4 * time.Second
	}
}

// Validate checks the required fields.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("cryptology: ws_url is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return fmt.Errorf("cryptology: access_key and secret_key are required")
	case c.HeartbeatInterval >= c.ReadTimeout:
		return fmt.Errorf("cryptology: heartbeat_interval (%s) must be shorter than read_timeout (%s)",
			c.HeartbeatInterval, c.ReadTimeout)
	}
	return nil
}
