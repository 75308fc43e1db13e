package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/eventhub"
)

func TestSession_SubscribeAndReceiveEvent(t *testing.T) {
	hub := eventhub.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := Upgrade(hub, w, r, zap.NewNop())
		require.NoError(t, err)
		sess.Run()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Drain the welcome frame.
	var welcome ServerMessage
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", AgentAddress: "0xabc"}))
	time.Sleep(50 * time.Millisecond) // let the control frame land and the subscription register

	hub.Publish(domain.Event{Type: domain.EventHeartbeat, AgentAddress: "0xabc", Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, domain.EventHeartbeat, msg.Type)
	assert.Equal(t, "0xabc", msg.AgentAddress)
}

func TestSession_UnsubscribeStopsDelivery(t *testing.T) {
	hub := eventhub.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := Upgrade(hub, w, r, zap.NewNop())
		require.NoError(t, err)
		sess.Run()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var welcome ServerMessage
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", AgentAddress: "0xabc"}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(clientMessage{Action: "unsubscribe", AgentAddress: "0xabc"}))
	time.Sleep(50 * time.Millisecond)

	hub.Publish(domain.Event{Type: domain.EventHeartbeat, AgentAddress: "0xabc", Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg ServerMessage
	err = conn.ReadJSON(&msg)
	assert.Error(t, err, "expected a read timeout since the session unsubscribed")
}
