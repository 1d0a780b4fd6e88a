// Package push fans engine events out to connected WebSocket clients.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	EventTokenError = "tokenError"
	EventWSLimit    = "wsLimit"
)

// Authenticator resolves the connection token to a user id.
type Authenticator func(token string) (int64, error)

type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub tracks connections per user. Emit and Broadcast never block; a client
// whose queue is full is disconnected.
type Hub struct {
	auth       Authenticator
	maxPerUser int
	log        *slog.Logger
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewHub(auth Authenticator, maxPerUser int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	return &Hub{
		auth:       auth,
		maxPerUser: maxPerUser,
		log:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[int64]map[*Client]struct{}),
	}
}

// ServeWS upgrades the request and registers the socket under the user named
// by the token query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	userID, err := h.auth(r.URL.Query().Get("token"))
	if err != nil {
		rejectConn(conn, EventTokenError, "invalid token")
		return
	}

	c := newClient(h, conn, userID)
	if !h.register(c) {
		rejectConn(conn, EventWSLimit, h.maxPerUser)
		return
	}
	h.log.Debug("websocket connected", "user_id", userID, "client_id", c.id)

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

func rejectConn(conn *websocket.Conn, event string, data any) {
	if msg, err := json.Marshal(Envelope{Event: event, Data: data}); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, event))
	_ = conn.Close()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.clients[c.userID]
	if len(set) >= h.maxPerUser {
		return false
	}
	if set == nil {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.wg.Add(2)
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

func (h *Hub) Emit(userID int64, event string, payload any) {
	msg, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	var slow []*Client
	for c := range h.clients[userID] {
		if !c.offer(msg) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	h.drop(slow)
}

func (h *Hub) Broadcast(event string, payload any) {
	msg, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	var slow []*Client
	for _, set := range h.clients {
		for c := range set {
			if !c.offer(msg) {
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()
	h.drop(slow)
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	msg, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		h.log.Error("encode push event", "event", event, "err", err)
		return nil, false
	}
	return msg, true
}

func (h *Hub) drop(slow []*Client) {
	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range slow {
		h.log.Warn("dropping slow websocket client", "user_id", c.userID, "client_id", c.id)
		h.removeLocked(c)
	}
}

// Connections reports open sockets for one user.
func (h *Hub) Connections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Close disconnects every client and waits for their pumps to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			h.removeLocked(c)
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}
