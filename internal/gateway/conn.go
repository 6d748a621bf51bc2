package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 << 10
)

// connection is per-socket session state. Owned by the gateway, destroyed
// on disconnect. Request handlers run concurrently, so the auth and
// subscription state is guarded.
type connection struct {
	id          string
	ws          *websocket.Conn
	send        chan []byte
	limiter     *rate.Limiter
	log         zerolog.Logger
	connectedAt time.Time

	mu            sync.RWMutex
	closed        bool
	authenticated bool
	userID        string
	role          string
	subscriptions map[string]bool
}

func newConnection(id string, ws *websocket.Conn, log zerolog.Logger, sendQueue int, limit rate.Limit, burst int) *connection {
	return &connection{
		id:            id,
		ws:            ws,
		send:          make(chan []byte, sendQueue),
		limiter:       rate.NewLimiter(limit, burst),
		log:           log.With().Str("conn_id", id).Logger(),
		connectedAt:   time.Now(),
		subscriptions: make(map[string]bool),
	}
}

func (c *connection) authenticate(userID, role string) {
	c.mu.Lock()
	c.authenticated = true
	c.userID = userID
	c.role = role
	c.mu.Unlock()
}

// identity returns the authenticated flag, user id and role atomically.
func (c *connection) identity() (bool, string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated, c.userID, c.role
}

func (c *connection) subscribe(topics []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.subscriptions[t] = true
	}
	return c.topicsLocked()
}

func (c *connection) unsubscribe(topics []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subscriptions, t)
	}
	return c.topicsLocked()
}

func (c *connection) subscribedTo(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[topic]
}

func (c *connection) topicsLocked() []string {
	out := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	return out
}

// enqueue hands a marshaled message to the writer pump. A full queue
// drops the message; a client that cannot keep up must not block the
// dispatcher or the notification fan-out. Messages for a shut-down
// connection are dropped: in-flight handlers, broadcasts and session
// timers can all outlive the socket they were answering.
func (c *connection) enqueue(msg []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("send queue full, dropping message")
	}
}

// shutdown marks the connection closed and releases the writer pump.
// The closed flag is set under the lock every enqueue holds while
// sending, so no sender can reach the channel after it is closed.
// Idempotent.
func (c *connection) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

func (c *connection) enqueueJSON(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal outbound message")
		return
	}
	c.enqueue(msg)
}

// writePump owns all writes to the socket. Runs until the send channel is
// closed or a write fails.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
