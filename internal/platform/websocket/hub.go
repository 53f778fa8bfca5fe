// Package websocket pushes permission-change events to live sessions. A
// connection is placed into its org room and, when authenticated, its user
// room at connect time; clients cannot join rooms themselves. Delivery is
// fire-and-forget with no acknowledgment.
package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rbac/internal/platform/auth"
	"github.com/ehr/rbac/internal/platform/db"
)

// Envelope is the wire frame sent to clients.
type Envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single connection and the rooms it belongs to.
type Client struct {
	ID     string
	OrgID  string
	UserID string // empty for anonymous sessions
	Send   chan []byte
	conn   Conn
}

func orgRoom(orgID string) string {
	return "org:" + orgID
}

func userRoom(orgID, userID string) string {
	return "org:" + orgID + ":user:" + userID
}

// Hub tracks connected clients grouped by identity room. All operations are
// thread-safe via sync.RWMutex.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	all   map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		all:   make(map[*Client]struct{}),
	}
}

func (h *Hub) roomsFor(client *Client) []string {
	rooms := []string{orgRoom(client.OrgID)}
	if client.UserID != "" {
		rooms = append(rooms, userRoom(client.OrgID, client.UserID))
	}
	return rooms
}

// Register adds a client to the hub and places it into its identity rooms.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, room := range h.roomsFor(client) {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]struct{})
		}
		h.rooms[room][client] = struct{}{}
	}
}

// Unregister removes a client from its rooms and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, room := range h.roomsFor(client) {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// PublishToUser delivers an event to every connection the user holds in the
// org. Slow clients are skipped rather than blocked on.
func (h *Hub) PublishToUser(orgID, userID, eventType string, data interface{}) {
	h.publish(userRoom(orgID, userID), eventType, data)
}

// PublishToOrg delivers an event to every connection in the org room.
func (h *Hub) PublishToOrg(orgID, eventType string, data interface{}) {
	h.publish(orgRoom(orgID), eventType, data)
}

func (h *Hub) publish(room, eventType string, data interface{}) {
	payload, err := json.Marshal(Envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		log.Printf("websocket: failed to marshal event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[room] {
		select {
		case client.Send <- payload:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RoomCount returns the number of connections in a room. Exposed for the
// health endpoint and tests.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// UserRoomCount returns the number of connections a user holds in an org.
func (h *Hub) UserRoomCount(orgID, userID string) int {
	return h.RoomCount(userRoom(orgID, userID))
}

// OrgRoomCount returns the number of connections in an org's room.
func (h *Hub) OrgRoomCount(orgID string) int {
	return h.RoomCount(orgRoom(orgID))
}

// ---------------------------------------------------------------------------
// Handler: Echo HTTP handler for WebSocket connections
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// Handler handles HTTP-to-WebSocket upgrades. Identity comes from the auth
// and tenant middleware that ran before the upgrade.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client into its
// identity rooms and starts the read/write pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	orgID := db.TenantFromContext(ctx)
	if orgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing tenant")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		OrgID:  orgID,
		UserID: auth.UserIDFromContext(ctx),
		Send:   make(chan []byte, 256),
		conn:   &gorillaConnAdapter{ws},
	}

	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

// readPump drains inbound frames until the connection drops. Clients have
// nothing to say to the server; the pump exists to detect disconnects.
func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump writes messages from the Send channel to the connection.
func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
