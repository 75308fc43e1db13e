// Package eventhub is the transport-agnostic fan-out broker for
// domain.Event values. It generalizes the pub/sub hub
// pattern — single-writer event loop, channel-based register/unregister,
// best-effort delivery to bounded per-subscriber buffers — to per-agent and
// wildcard subscriptions instead of the arbitrary string topics the source
// hub used.
package eventhub

import (
	"context"
	"sync"
	"time"

	"github.com/agentsentinel/controlplane/internal/domain"
)

// wildcard is the subscription key that receives every event regardless of
// agent address.
const wildcard = "*"

const (
	// sendBufferSize is the capacity of each subscriber's channel.
	sendBufferSize = 64

	// laggingGrace is how long a subscriber may go without accepting a
	// delivery before it is marked lagging.
	laggingGrace = 1 * time.Second

	// dropGrace is how long a lagging subscriber is tolerated before it is
	// dropped with a final error event.
	dropGrace = 10 * time.Second
)

// Subscription is returned by Subscribe. Events arrives on C; Close
// unsubscribes and releases the channel.
type Subscription struct {
	C   <-chan domain.Event
	hub *Hub
	sub *subscriber
}

// Close unsubscribes and stops further delivery to this subscription.
func (s *Subscription) Close() {
	s.hub.unregister <- s.sub
}

type subscriber struct {
	id            uint64
	send          chan domain.Event
	agentAddress  string // "" means wildcard
	lastDeliverAt time.Time
	laggingSince  time.Time // zero if not lagging
}

// Hub implements the Event Hub contract
type Hub struct {
	mu         sync.RWMutex
	byAgent    map[string]map[*subscriber]struct{}
	nextID     uint64
	register   chan *subscriber
	unregister chan *subscriber
	stopped    chan struct{}
}

// New creates an idle Hub. Call Run in a goroutine to start it.
func New() *Hub {
	return &Hub{
		byAgent:    make(map[string]map[*subscriber]struct{}),
		register:   make(chan *subscriber, 32),
		unregister: make(chan *subscriber, 32),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's registration event loop. Must be called exactly once,
// in its own goroutine. Exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			key := sub.agentAddress
			if key == "" {
				key = wildcard
			}
			if h.byAgent[key] == nil {
				h.byAgent[key] = make(map[*subscriber]struct{})
			}
			h.byAgent[key][sub] = struct{}{}
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(sub)
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for _, subs := range h.byAgent {
				for sub := range subs {
					close(sub.send)
				}
			}
			h.byAgent = make(map[string]map[*subscriber]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Subscribe registers interest in events for agentAddress ("" for every
// agent, the wildcard subscription used by the dashboard's activity feed).
func (h *Hub) Subscribe(agentAddress string) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	sub := &subscriber{
		id:            id,
		send:          make(chan domain.Event, sendBufferSize),
		agentAddress:  agentAddress,
		lastDeliverAt: time.Now(),
	}
	h.register <- sub

	return &Subscription{C: sub.send, hub: h, sub: sub}
}

// Publish delivers evt to every subscriber of evt.AgentAddress and every
// wildcard subscriber. Delivery is best-effort and never blocks the caller:
// a subscriber that has not accepted a delivery within 1s is marked
// lagging; one lagging for 10s is dropped with a final error event if its
// buffer still has room.
func (h *Hub) Publish(evt domain.Event) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, 8)
	for sub := range h.byAgent[evt.AgentAddress] {
		targets = append(targets, sub)
	}
	for sub := range h.byAgent[wildcard] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	now := time.Now()
	for _, sub := range targets {
		h.deliver(sub, evt, now)
	}
}

func (h *Hub) deliver(sub *subscriber, evt domain.Event, now time.Time) {
	select {
	case sub.send <- evt:
		h.mu.Lock()
		sub.lastDeliverAt = now
		sub.laggingSince = time.Time{}
		h.mu.Unlock()
		return
	default:
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	stalled := now.Sub(sub.lastDeliverAt)
	if stalled < laggingGrace {
		return // not yet lagging — drop this one event silently
	}
	if sub.laggingSince.IsZero() {
		sub.laggingSince = now
		return
	}
	if now.Sub(sub.laggingSince) < dropGrace {
		return
	}

	// Lagging past the grace period — drop the subscriber. Best-effort
	// final notice; never blocks since it only tries once.
	select {
	case sub.send <- domain.Event{Type: domain.EventError, Timestamp: now, Payload: "subscriber lagging, disconnected"}:
	default:
	}
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	key := sub.agentAddress
	if key == "" {
		key = wildcard
	}
	if _, ok := h.byAgent[key][sub]; ok {
		delete(h.byAgent[key], sub)
		if len(h.byAgent[key]) == 0 {
			delete(h.byAgent, key)
		}
		close(sub.send)
	}
}

// SubscriberCount returns the number of active subscriptions, for metrics.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, subs := range h.byAgent {
		total += len(subs)
	}
	return total
}
