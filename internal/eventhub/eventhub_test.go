package eventhub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsentinel/controlplane/internal/domain"
)

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func TestPublish_DeliversToMatchingAgentSubscriber(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	sub := h.Subscribe("0xabc")
	time.Sleep(10 * time.Millisecond) // let the register land

	h.Publish(domain.Event{Type: domain.EventHeartbeat, AgentAddress: "0xabc"})

	select {
	case evt := <-sub.C:
		assert.Equal(t, domain.EventHeartbeat, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestPublish_DoesNotDeliverToOtherAgentSubscriber(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	sub := h.Subscribe("0xdef")
	time.Sleep(10 * time.Millisecond)

	h.Publish(domain.Event{Type: domain.EventHeartbeat, AgentAddress: "0xabc"})

	select {
	case <-sub.C:
		t.Fatal("should not have received an event for a different agent")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_WildcardReceivesEveryAgent(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	sub := h.Subscribe("")
	time.Sleep(10 * time.Millisecond)

	h.Publish(domain.Event{Type: domain.EventHeartbeat, AgentAddress: "0xabc"})
	h.Publish(domain.Event{Type: domain.EventDecision, AgentAddress: "0xdef"})

	received := 0
	for received < 2 {
		select {
		case <-sub.C:
			received++
		case <-time.After(time.Second):
			t.Fatalf("expected 2 events, got %d", received)
		}
	}
}

func TestSubscriptionClose_StopsDelivery(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	sub := h.Subscribe("0xabc")
	time.Sleep(10 * time.Millisecond)
	sub.Close()
	time.Sleep(10 * time.Millisecond)

	h.Publish(domain.Event{Type: domain.EventHeartbeat, AgentAddress: "0xabc"})

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestSubscriberCount(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	h.Subscribe("0xabc")
	h.Subscribe("0xdef")
	time.Sleep(10 * time.Millisecond)

	require.Equal(t, 2, h.SubscriberCount())
}

func TestDeliver_SlowSubscriberIsEventuallyDropped(t *testing.T) {
	h := New()
	now := time.Now()
	sub := &subscriber{
		send:          make(chan domain.Event), // unbuffered — every send fails fast
		agentAddress:  "0xabc",
		lastDeliverAt: now.Add(-(dropGrace + laggingGrace + time.Second)),
		laggingSince:  now.Add(-(dropGrace + time.Second)),
	}
	h.byAgent = map[string]map[*subscriber]struct{}{
		"0xabc": {sub: struct{}{}},
	}

	evt := domain.Event{Type: domain.EventHeartbeat, AgentAddress: "0xabc"}
	h.deliver(sub, evt, now)

	h.mu.RLock()
	_, stillPresent := h.byAgent["0xabc"][sub]
	h.mu.RUnlock()
	assert.False(t, stillPresent, "subscriber lagging past dropGrace should be evicted")
}
