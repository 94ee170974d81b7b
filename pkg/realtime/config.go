package realtime

import (
	"fmt"
	"time"
)

// Config tunes the store, scheduler and service.
type Config struct {
	// PersistInterval is the debounce window between the first unflushed change and its flush.
	PersistInterval time.Duration
	// GracePeriod is how long a session with no subscribers is kept before teardown.
	GracePeriod time.Duration
	// FlushTimeout bounds a single revision write.
	FlushTimeout time.Duration
	// QueueSize is the outbound event buffer per subscriber. A subscriber that falls this far
	// behind is disconnected.
	QueueSize int
	// OpQueueSize is the inbound operation buffer per session.
	OpQueueSize int
}

func DefaultConfig() Config {
	return Config{
		PersistInterval: 10 * time.Second,
		GracePeriod:     30 * time.Second,
		FlushTimeout:    10 * time.Second,
		QueueSize:       256,
		OpQueueSize:     64,
	}
}

func (c Config) Validate() error {
	if c.PersistInterval <= 0 {
		return fmt.Errorf("persist interval must be positive, got %s", c.PersistInterval)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative, got %s", c.GracePeriod)
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("flush timeout must be positive, got %s", c.FlushTimeout)
	}
	if c.QueueSize <= 0 || c.OpQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive, got %d and %d", c.QueueSize, c.OpQueueSize)
	}
	return nil
}
