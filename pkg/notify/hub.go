// Package notify carries permission change notifications to the realtime service, either inside one
// process (Hub) or between processes over redis pub/sub (Redis).
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/astromechza/notesync/pkg/realtime"
)

// Hub fans permission changes out to every in-process subscriber.
type Hub struct {
	buffer int
	log    *slog.Logger

	mu   sync.Mutex
	subs map[*hubSub]struct{}
}

type hubSub struct {
	ch   chan realtime.PermissionChange
	done chan struct{}
	// sending counts publishes that may still write to ch.
	sending sync.WaitGroup
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{buffer: buffer, log: logger, subs: make(map[*hubSub]struct{})}
}

// Publish delivers change to every subscriber, waiting for a subscriber with a full buffer until
// it reads, goes away or ctx is done. Changes are never dropped for a live subscriber.
func (h *Hub) Publish(ctx context.Context, change realtime.PermissionChange) error {
	h.mu.Lock()
	subs := make([]*hubSub, 0, len(h.subs))
	for sub := range h.subs {
		sub.sending.Add(1)
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	var err error
	for _, sub := range subs {
		if err == nil {
			select {
			case sub.ch <- change:
			case <-sub.done:
			case <-ctx.Done():
				h.log.Warn("permission change not delivered", "note", change.Note, "user", change.UserID, "err", ctx.Err())
				err = ctx.Err()
			}
		}
		sub.sending.Done()
	}
	return err
}

// Subscribe registers a subscriber until ctx is done. The channel is closed afterwards.
func (h *Hub) Subscribe(ctx context.Context) (<-chan realtime.PermissionChange, error) {
	sub := &hubSub{ch: make(chan realtime.PermissionChange, h.buffer), done: make(chan struct{})}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		close(sub.done)
		sub.sending.Wait()
		close(sub.ch)
	}()
	return sub.ch, nil
}
