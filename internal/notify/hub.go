package notify

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vendornexus/backend/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 4 * 1024
	sendBuffer = 64
)

// Hub tracks the open notification websockets per user. Pushes are
// best-effort: a connection that cannot keep up drops messages instead of
// stalling the notifier.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]map[*conn]bool // userID -> connections
	upgrader websocket.Upgrader
	logger   *log.Logger
	m        *metrics.Metrics
}

// conn is one websocket. All writes go through the send channel into
// writePump; readPump is the only reader. That split keeps ping frames and
// pushes from racing on the socket.
type conn struct {
	hub    *Hub
	userID string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewHub builds the hub. In production only the listed origins may connect;
// elsewhere all origins are accepted.
func NewHub(allowedOrigins []string, production bool, m *metrics.Metrics) *Hub {
	h := &Hub{
		conns:  make(map[string]map[*conn]bool),
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
		m:      m,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(allowedOrigins, production),
	}
	return h
}

func checkOrigin(allowedOrigins []string, production bool) func(*http.Request) bool {
	if !production || len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")]
	}
}

// ServeUser upgrades the request and registers the connection under the
// already-authenticated user.
func (h *Hub) ServeUser(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", userID, err)
		return
	}
	c := &conn{
		hub:    h,
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	if h.conns[c.userID] == nil {
		h.conns[c.userID] = make(map[*conn]bool)
	}
	h.conns[c.userID][c] = true
	h.mu.Unlock()
	if h.m != nil {
		h.m.ActiveWebsockets.Inc()
	}
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if set := h.conns[c.userID]; set[c] {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
		if h.m != nil {
			h.m.ActiveWebsockets.Dec()
		}
	}
	h.mu.Unlock()
}

// Push sends a payload to every open connection of the user. Full buffers
// drop; notifications remain in the database regardless.
func (h *Hub) Push(userID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("marshal push for %s: %v", userID, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns[userID] {
		select {
		case c.send <- data:
		default:
			h.logger.Printf("send buffer full for %s, dropping", userID)
		}
	}
}

// ActiveConnections returns the number of open websockets.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.ws.Close()
	})
}

// writePump owns all writes to the socket: pushes, pings, the close frame.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Drain anything queued behind this message.
			for i := len(c.send); i > 0; i-- {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump discards client frames; the socket is push-only. It exists to
// service pong frames and to notice disconnects.
func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Printf("read error for %s: %v", c.userID, err)
			}
			return
		}
	}
}
