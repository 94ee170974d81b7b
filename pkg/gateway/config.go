package gateway

import (
	"fmt"
	"time"
)

// Config tunes the websocket side of a connection.
type Config struct {
	// IdleTimeout closes a connection that sent no data frame for this long. Pongs do not count.
	IdleTimeout time.Duration
	// JoinTimeout bounds waiting for the join message and the join itself.
	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval paces pings that surface dead sockets as write errors. It must be shorter than
	// IdleTimeout.
	PingInterval   time.Duration
	MaxMessageSize int64
	// AllowGuests admits requests without credentials as guests.
	AllowGuests bool
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:    60 * time.Second,
		JoinTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   25 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"idle timeout":  c.IdleTimeout,
		"join timeout":  c.JoinTimeout,
		"write timeout": c.WriteTimeout,
		"ping interval": c.PingInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.PingInterval >= c.IdleTimeout {
		return fmt.Errorf("ping interval %s must be shorter than idle timeout %s", c.PingInterval, c.IdleTimeout)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize)
	}
	return nil
}
