package events

import (
	"context"
	"sync"
	"time"
)

// Kind names what happened to a claim.
type Kind string

const (
	KindSubmitted Kind = "claim.submitted"
	KindStatus    Kind = "claim.status_changed"
	KindDocument  Kind = "claim.document_attached"
)

// ClaimEvent is pushed to live subscribers. It never carries document contents.
type ClaimEvent struct {
	Kind      Kind      `json:"kind"`
	ClaimID   string    `json:"claim_id"`
	OwnerID   string    `json:"owner_id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter decides whether a subscriber receives an event.
type Filter func(ClaimEvent) bool

// Hub fans out claim events to all active subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
	size int
}

type subscriber struct {
	ch     chan ClaimEvent
	filter Filter
}

// New returns a Hub whose subscriber channels buffer size events.
func New(size int) *Hub {
	if size <= 0 {
		size = 16
	}
	return &Hub{subs: make(map[int]subscriber), size: size}
}

// Subscribe registers a subscriber. A nil filter receives everything. The
// channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) <-chan ClaimEvent {
	ch := make(chan ClaimEvent, h.size)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every interested subscriber without blocking.
// Subscribers whose buffer is full miss the event.
func (h *Hub) Publish(evt ClaimEvent) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.filter != nil && !s.filter(evt) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
