// Package websocket pushes session state changes to the browser. Each
// connection belongs to the session of the cookie it was opened with and
// receives an event whenever that session's authentication changes.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/smartvitals/internal/platform/session"
)

// Event types.
const (
	EventSnapshot = "session.snapshot"
	EventChanged  = "session.changed"
)

// SessionState is the AuthSession without its tokens.
type SessionState struct {
	IsAuthenticated   bool   `json:"isAuthenticated"`
	ExpiresAt         *int64 `json:"expiresAt"`
	PatientID         string `json:"patientId,omitempty"`
	UserID            string `json:"userId,omitempty"`
	NeedPatientBanner bool   `json:"needPatientBanner"`
	Error             string `json:"error,omitempty"`
}

// StateOf strips the tokens from s.
func StateOf(s session.AuthSession) SessionState {
	return SessionState{
		IsAuthenticated:   s.IsAuthenticated,
		ExpiresAt:         s.ExpiresAt,
		PatientID:         s.PatientID,
		UserID:            s.UserID,
		NeedPatientBanner: s.NeedPatientBanner,
		Error:             s.Error,
	}
}

// Event is one message sent to a connection.
type Event struct {
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Session   SessionState `json:"session"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one open connection.
type Client struct {
	ID        string
	SessionID string
	Send      chan []byte
	conn      Conn
}

// Hub tracks open connections per session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}
	logger   zerolog.Logger
	now      func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*Client]struct{}),
		logger:   logger,
		now:      time.Now,
	}
}

// Register adds a client under its session.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[client.SessionID] == nil {
		h.sessions[client.SessionID] = make(map[*Client]struct{})
	}
	h.sessions[client.SessionID][client] = struct{}{}
}

// Unregister removes a client and closes its Send channel. Unregistering a
// client twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.sessions[client.SessionID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.sessions, client.SessionID)
	}
	close(client.Send)
}

// Broadcast sends event to every connection of session sid. Clients whose
// buffer is full miss the event.
func (h *Hub) Broadcast(sid string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket: failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.sessions[sid] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("websocket: send buffer full, dropping event")
		}
	}
}

// Attach forwards every change recorded by tokens to the connections of
// the affected session. The returned function detaches.
func (h *Hub) Attach(tokens *session.TokenStore) func() {
	return tokens.Subscribe(func(sid string, s session.AuthSession) {
		h.Broadcast(sid, Event{Type: EventChanged, Timestamp: h.now().UTC(), Session: StateOf(s)})
	})
}

// ClientCount returns the total number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.sessions {
		n += len(clients)
	}
	return n
}

// SessionCount returns the number of connections open for session sid.
func (h *Hub) SessionCount(sid string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sid])
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// SessionReader supplies the snapshot sent when a connection opens.
type SessionReader interface {
	Session(ctx context.Context) (session.AuthSession, error)
}

// Handler upgrades /api/session/events requests and registers them with
// the hub.
type Handler struct {
	hub      *Hub
	tokens   SessionReader
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections from allowedOrigins. With no origins only
// same-origin requests are accepted.
func NewHandler(hub *Hub, tokens SessionReader, allowedOrigins []string) *Handler {
	up := gorillawebsocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = struct{}{}
		}
		up.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
	return &Handler{hub: hub, tokens: tokens, upgrader: up}
}

func (wsh *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/session/events", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, sends the current session state
// and then streams changes until the browser disconnects.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	sid := session.IDFromContext(ctx)
	if sid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "no session")
	}
	state, err := wsh.tokens.Session(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:        uuid.NewString(),
		SessionID: sid,
		Send:      make(chan []byte, 16),
		conn:      &gorillaConnAdapter{ws},
	}
	snapshot, _ := json.Marshal(Event{Type: EventSnapshot, Timestamp: wsh.hub.now().UTC(), Session: StateOf(state)})
	client.Send <- snapshot

	wsh.hub.Register(client)

	go wsh.writePump(client)
	go wsh.readPump(client)
	return nil
}

// readPump discards inbound messages and unregisters the client once the
// connection closes.
func (wsh *Handler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (wsh *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

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
