// Package live carries engine events to connected clients: an in-process websocket room hub,
// a Redis pub/sub relay between instances and a circuit breaker around any sink.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ignatij/goapprove/internal/metrics"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

func UserRoom(principalID int64) string { return fmt.Sprintf("user:%d", principalID) }

func DocumentRoom(documentID int64) string { return fmt.Sprintf("document:%d", documentID) }

// Message is the frame written to clients and relayed between instances.
type Message struct {
	Room  string           `json:"room"`
	Event string           `json:"event"`
	Data  models.LiveEvent `json:"data"`
}

func encode(room string, ev models.LiveEvent) ([]byte, error) {
	return json.Marshal(Message{Room: room, Event: ev.Type, Data: ev})
}

// command is what clients send: {"action":"join","room":"document:12"}.
type command struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

type reply struct {
	Event string `json:"event"`
	Room  string `json:"room,omitempty"`
	Error string `json:"error,omitempty"`
}

type client struct {
	id          string
	principalID int64
	conn        *websocket.Conn
	send        chan []byte
	once        sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub routes room-addressed frames to the websocket clients of this instance.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*client]struct{}
	clients  map[*client]map[string]struct{}
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]map[string]struct{}),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) NotifyPrincipal(_ context.Context, principalID int64, ev models.LiveEvent) error {
	return h.Publish(UserRoom(principalID), ev)
}

func (h *Hub) NotifyDocument(_ context.Context, documentID int64, ev models.LiveEvent) error {
	return h.Publish(DocumentRoom(documentID), ev)
}

// Publish delivers ev to every local member of room. An empty room is not an error.
func (h *Hub) Publish(room string, ev models.LiveEvent) error {
	frame, err := encode(room, ev)
	if err != nil {
		return err
	}
	h.Deliver(room, frame)
	return nil
}

// Deliver fans an encoded frame out without blocking. Clients whose buffer is full are dropped.
func (h *Hub) Deliver(room string, frame []byte) int {
	h.mu.RLock()
	var slow []*client
	delivered := 0
	for c := range h.rooms[room] {
		select {
		case c.send <- frame:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.logger.Warnf("Dropping slow live client %s in room %s", c.id, room)
		h.unregister(c)
	}
	return delivered
}

// Members returns the number of local clients in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = make(map[string]struct{})
	h.mu.Unlock()
	metrics.LiveConnections.Inc()
	h.join(c, UserRoom(c.principalID))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	rooms, ok := h.clients[c]
	if ok {
		for room := range rooms {
			delete(h.rooms[room], c)
			if len(h.rooms[room]) == 0 {
				delete(h.rooms, room)
			}
		}
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		metrics.LiveConnections.Dec()
		c.close()
	}
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.clients[c]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	rooms[room] = struct{}{}
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], c)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	if rooms, ok := h.clients[c]; ok {
		delete(rooms, room)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.unregister(c)
	}
}

// ServeWS upgrades the request and attaches the connection to the principal's own room.
// Clients may additionally join document rooms; other principals' rooms are refused.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, principal models.Principal) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("Websocket upgrade failed: %v", err)
		return
	}
	c := &client{
		id:          uuid.NewString(),
		principalID: principal.ID,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
	}
	h.register(c)
	h.logger.Debugf("Live client %s connected for principal %d", c.id, principal.ID)
	go h.writer(c)
	h.reader(c)
}

func (h *Hub) reader(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var cmd command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warnf("Live client %s read error: %v", c.id, err)
			}
			return
		}
		h.handle(c, cmd)
	}
}

func (h *Hub) handle(c *client, cmd command) {
	var resp reply
	switch {
	case !allowedRoom(c.principalID, cmd.Room):
		resp = reply{Event: "error", Room: cmd.Room, Error: "room not allowed"}
	case cmd.Action == "join":
		h.join(c, cmd.Room)
		resp = reply{Event: "joined", Room: cmd.Room}
	case cmd.Action == "leave":
		h.leave(c, cmd.Room)
		resp = reply{Event: "left", Room: cmd.Room}
	default:
		resp = reply{Event: "error", Error: fmt.Sprintf("unknown action %q", cmd.Action)}
	}
	frame, _ := json.Marshal(resp)
	h.mu.RLock()
	_, open := h.clients[c]
	if open {
		select {
		case c.send <- frame:
		default:
		}
	}
	h.mu.RUnlock()
}

// allowedRoom lets a principal observe any document and only its own user room.
func allowedRoom(principalID int64, room string) bool {
	switch {
	case strings.HasPrefix(room, "document:"):
		return len(room) > len("document:")
	case strings.HasPrefix(room, "user:"):
		return room == UserRoom(principalID)
	}
	return false
}

func (h *Hub) writer(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Warnf("Live client %s write error: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
