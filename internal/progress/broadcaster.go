// Package progress fans out per-session upload progress events to
// subscribers. The in-process Hub serves single-node deployments; the Redis
// relay extends it across replicas.
package progress

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tmarkov/reelvault/internal/models"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// behind loses intermediate events; terminal events are retained separately
// so completion is never missed.
const subscriberBuffer = 16

// Broadcaster publishes progress events and lets clients subscribe to a
// session's stream.
type Broadcaster interface {
	// Subscribe returns a channel of events for one session plus a cancel
	// function. If the session already ended, the terminal event is
	// replayed immediately. The channel is closed after a terminal event
	// or when cancel is called.
	Subscribe(ctx context.Context, sessionID string) (<-chan models.ProgressEvent, func())

	// Publish delivers an event to all current subscribers of its session.
	Publish(event models.ProgressEvent)

	// Forget drops retained terminal state for a session, called when the
	// session is reaped.
	Forget(sessionID string)
}

type subscriber struct {
	ch   chan models.ProgressEvent
	done chan struct{}
}

// Hub is the in-process broadcaster.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	terminal    map[string]models.ProgressEvent
}

// NewHub creates an empty progress hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[*subscriber]struct{}),
		terminal:    make(map[string]models.ProgressEvent),
	}
}

// Subscribe registers a listener for a session's events.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (<-chan models.ProgressEvent, func()) {
	sub := &subscriber{
		ch:   make(chan models.ProgressEvent, subscriberBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if terminal, ok := h.terminal[sessionID]; ok {
		// Session already ended: replay the terminal event and close.
		h.mu.Unlock()
		sub.ch <- terminal
		close(sub.ch)
		return sub.ch, func() {}
	}

	set, ok := h.subscribers[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subscribers[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.remove(sessionID, sub)
	}

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.remove(sessionID, sub)
			case <-sub.done:
			}
		}()
	}

	return sub.ch, cancel
}

func (h *Hub) remove(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subscribers[sessionID]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subscribers, sessionID)
	}
	close(sub.done)
	close(sub.ch)
}

// Publish delivers an event to every subscriber of the session. Terminal
// events are retained for late subscribers and close all streams.
func (h *Hub) Publish(event models.ProgressEvent) {
	// Sends are non-blocking, so delivery happens under the lock. That
	// keeps sends ordered against remove() closing channels.
	h.mu.Lock()
	defer h.mu.Unlock()

	if event.Terminal() {
		h.terminal[event.SessionID] = event
	}

	set := h.subscribers[event.SessionID]
	if event.Terminal() {
		delete(h.subscribers, event.SessionID)
	}

	for sub := range set {
		select {
		case sub.ch <- event:
		default:
			if event.Terminal() {
				// Make room: the terminal event supersedes stale progress.
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- event:
				default:
				}
			} else {
				slog.Debug("progress subscriber lagging, event dropped",
					"session_id", event.SessionID,
					"event_type", event.Type,
				)
			}
		}
		if event.Terminal() {
			close(sub.done)
			close(sub.ch)
		}
	}
}

// Forget drops the retained terminal event for a session.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.terminal, sessionID)
}

var _ Broadcaster = (*Hub)(nil)
