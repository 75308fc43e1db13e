// Package broadcast implements the WebSocket session layer consumed by
// operator dashboards: a single-writer writePump, ping/pong keepalive, and
// a bounded per-session send buffer, fed by the control plane's Event Hub.
// Subscriptions are client-driven via subscribe/unsubscribe control frames
// rather than resolved once at connect time.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/eventhub"
)

const (
	writeWait = 10 * time.Second

	// pongWait and pingPeriod implement a 30s keepalive / 90s timeout.
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second

	maxMessageSize = 1024

	// outboundQueueSize is the per-session bounded queue;
	// overflow closes the session with "lagging".
	outboundQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServerMessage is the wire shape of every server→client frame.
type ServerMessage struct {
	Type         domain.EventType `json:"type"`
	AgentAddress string           `json:"agentAddress,omitempty"`
	Data         any              `json:"data,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// clientMessage is the wire shape of every client→server control frame.
type clientMessage struct {
	Action       string `json:"action"`
	AgentAddress string `json:"agentAddress,omitempty"`
}

// Session represents one connected dashboard client. It owns a dynamic set
// of per-agent Event Hub subscriptions plus an optional wildcard
// subscription (nil until the client subscribes with an empty address),
// rebuilt as subscribe/unsubscribe control frames arrive.
type Session struct {
	hub    *eventhub.Hub
	conn   *websocket.Conn
	send   chan ServerMessage
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]*eventhub.Subscription
	wildcard      *eventhub.Subscription
	lastActivity  time.Time
	closed        bool
}

// Upgrade completes the HTTP→WebSocket handshake and returns a ready Session.
// The caller should invoke Run (blocking) from the HTTP handler's goroutine.
func Upgrade(hub *eventhub.Hub, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Session{
		hub:           hub,
		conn:          conn,
		send:          make(chan ServerMessage, outboundQueueSize),
		logger:        logger.With(zap.String("remote_addr", r.RemoteAddr)),
		subscriptions: make(map[string]*eventhub.Subscription),
		lastActivity:  time.Now(),
	}, nil
}

// Run drives the session until the connection closes. It sends a welcome
// status frame, then starts the write pump and blocks on the read pump.
func (s *Session) Run() {
	s.enqueue(ServerMessage{Type: domain.EventStatusChange, Data: "connected", Timestamp: time.Now().UTC()})

	go s.writePump()
	s.readPump()
}

// enqueue attempts a non-blocking send to the outbound queue. A full queue
// closes the session as lagging. The closed flag and the send itself are
// guarded by the same lock so a send never races a close of the channel.
func (s *Session) enqueue(msg ServerMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	select {
	case s.send <- msg:
		s.mu.Unlock()
		return
	default:
	}

	s.logger.Warn("broadcast: session outbound queue full, closing as lagging")
	s.closed = true
	close(s.send)
	s.mu.Unlock()
	s.closeAllSubscriptions()
}

func (s *Session) readPump() {
	defer func() {
		s.closeAllSubscriptions()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("broadcast: unexpected close", zap.Error(err))
			}
			return
		}
		s.touch()
		s.handleControl(data)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) handleControl(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("broadcast: malformed control frame", zap.Error(err))
		return
	}

	switch msg.Action {
	case "subscribe":
		s.subscribe(msg.AgentAddress)
	case "unsubscribe":
		s.unsubscribe(msg.AgentAddress)
	case "ping":
		// readPump already recorded the activity via touch(); nothing
		// further to do for an application-level ping.
	default:
		s.logger.Debug("broadcast: unknown control action", zap.String("action", msg.Action))
	}
}

func (s *Session) subscribe(agentAddress string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agentAddress == "" {
		if s.wildcard != nil {
			return
		}
		s.wildcard = s.hub.Subscribe("")
		go s.forward(s.wildcard)
		return
	}

	if _, ok := s.subscriptions[agentAddress]; ok {
		return
	}
	sub := s.hub.Subscribe(agentAddress)
	s.subscriptions[agentAddress] = sub
	go s.forward(sub)
}

func (s *Session) unsubscribe(agentAddress string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agentAddress == "" {
		if s.wildcard != nil {
			s.wildcard.Close()
			s.wildcard = nil
		}
		return
	}

	if sub, ok := s.subscriptions[agentAddress]; ok {
		sub.Close()
		delete(s.subscriptions, agentAddress)
	}
}

// forward relays events from one Event Hub subscription onto the session's
// outbound queue until the subscription is closed.
func (s *Session) forward(sub *eventhub.Subscription) {
	for evt := range sub.C {
		s.enqueue(ServerMessage{
			Type:         evt.Type,
			AgentAddress: evt.AgentAddress,
			Data:         evt.Payload,
			Timestamp:    evt.Timestamp,
		})
	}
}

func (s *Session) closeAllSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, sub := range s.subscriptions {
		sub.Close()
		delete(s.subscriptions, addr)
	}
	if s.wildcard != nil {
		s.wildcard.Close()
		s.wildcard = nil
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// The queue is only ever closed by enqueue on overflow.
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "lagging"))
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warn("broadcast: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("broadcast: ping error", zap.Error(err))
				return
			}
		}
	}
}
