package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/notesync/pkg/realtime"
)

const DefaultChannel = "notesync:permissions"

// Redis publishes permission changes on a redis channel so every server process revalidates its
// own subscribers.
type Redis struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger
	// PublishTimeout bounds a single publish.
	PublishTimeout time.Duration
}

func NewRedis(rdb *redis.Client, channel string, logger *slog.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, channel: channel, log: logger, PublishTimeout: time.Second}
}

func encode(change realtime.PermissionChange) ([]byte, error) {
	if change.Note == "" {
		return nil, fmt.Errorf("permission change without a note")
	}
	return json.Marshal(change)
}

func decode(payload string) (realtime.PermissionChange, error) {
	var change realtime.PermissionChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return change, fmt.Errorf("failed to decode permission change: %w", err)
	}
	if change.Note == "" {
		return change, fmt.Errorf("permission change without a note")
	}
	return change, nil
}

func (r *Redis) Publish(ctx context.Context, change realtime.PermissionChange) error {
	message, err := encode(change)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.PublishTimeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.channel, message).Err(); err != nil {
		return fmt.Errorf("failed to publish permission change: %w", err)
	}
	return nil
}

// Subscribe delivers changes published by any process until ctx is done.
func (r *Redis) Subscribe(ctx context.Context) (<-chan realtime.PermissionChange, error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	out := make(chan realtime.PermissionChange)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				change, err := decode(msg.Payload)
				if err != nil {
					r.log.Warn("ignoring permission change", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Fanout publishes to several publishers, e.g. the local hub and redis.
type Fanout []interface {
	Publish(ctx context.Context, change realtime.PermissionChange) error
}

func (f Fanout) Publish(ctx context.Context, change realtime.PermissionChange) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, change); err != nil && first == nil {
			first = err
		}
	}
	return first
}
