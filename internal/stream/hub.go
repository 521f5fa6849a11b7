package stream

import (
	"context"
	"sync"
	"time"

	"mediaart.org/internal/protocol"
)

// Source is a resumable, ordered event feed.
type Source interface {
	Events(ctx context.Context, afterSeq uint64, limit int) ([]protocol.Event, error)
}

// Hub pushes events to subscribers. Each subscriber keeps its own cursor over
// a Source, so a slow consumer only delays itself and never loses events.
type Hub struct {
	mu    sync.Mutex
	subs  map[int]chan struct{}
	next  int
	poll  time.Duration
	batch int
}

// NewHub creates a hub. poll bounds how stale a subscriber can get when
// writes happen in another process and Notify is never called.
func NewHub(poll time.Duration) *Hub {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Hub{subs: make(map[int]chan struct{}), poll: poll, batch: 100}
}

// Notify wakes every subscriber. It never blocks.
func (h *Hub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, wake := range h.subs {
		select {
		case wake <- struct{}{}:
		default:
			// A wake-up is already pending.
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Subscribe streams every event with Sequence > after, in order, until ctx
// ends. The channel is closed when the subscription terminates. Delivery is
// at-least-once across reconnects: resume with the last sequence received.
func (h *Hub) Subscribe(ctx context.Context, after uint64, src Source) <-chan protocol.Event {
	out := make(chan protocol.Event)
	wake := make(chan struct{}, 1)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = wake
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(out)
		}()

		ticker := time.NewTicker(h.poll)
		defer ticker.Stop()

		cursor := after
		for {
			for {
				batch, err := src.Events(ctx, cursor, h.batch)
				if err != nil {
					// Retry on the next wake-up or tick.
					break
				}
				for _, evt := range batch {
					select {
					case out <- evt:
						cursor = evt.Sequence
					case <-ctx.Done():
						return
					}
				}
				if len(batch) < h.batch {
					break
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
		}
	}()

	return out
}
