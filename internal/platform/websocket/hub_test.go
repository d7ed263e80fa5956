package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/smartvitals/internal/platform/session"
)

func newClient(id, sid string) *Client {
	return &Client{ID: id, SessionID: sid, Send: make(chan []byte, 4)}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		return ev
	default:
		t.Fatalf("expected an event for %s", c.ID)
		return Event{}
	}
}

// ---------------------------------------------------------------------------
// Hub
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a, b := newClient("a", "s1"), newClient("b", "s1")

	hub.Register(a)
	hub.Register(b)
	if hub.ClientCount() != 2 || hub.SessionCount("s1") != 2 {
		t.Fatalf("expected 2 clients on s1, got %d/%d", hub.ClientCount(), hub.SessionCount("s1"))
	}

	hub.Unregister(a)
	hub.Unregister(a)
	if hub.SessionCount("s1") != 1 {
		t.Errorf("expected 1 client after unregister, got %d", hub.SessionCount("s1"))
	}
	if _, open := <-a.Send; open {
		t.Error("expected Send to be closed")
	}

	hub.Unregister(b)
	if hub.ClientCount() != 0 {
		t.Errorf("expected no clients, got %d", hub.ClientCount())
	}
}

func TestHub_BroadcastIsPerSession(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	mine, other := newClient("mine", "s1"), newClient("other", "s2")
	hub.Register(mine)
	hub.Register(other)

	hub.Broadcast("s1", Event{Type: EventChanged, Session: SessionState{IsAuthenticated: true, PatientID: "p-1"}})

	ev := receive(t, mine)
	if ev.Type != EventChanged || !ev.Session.IsAuthenticated || ev.Session.PatientID != "p-1" {
		t.Errorf("unexpected event %+v", ev)
	}
	select {
	case <-other.Send:
		t.Error("other session must not receive the event")
	default:
	}
}

func TestHub_FullBufferDropsEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", SessionID: "s1", Send: make(chan []byte, 1)}
	hub.Register(c)

	hub.Broadcast("s1", Event{Type: EventChanged})
	hub.Broadcast("s1", Event{Type: EventChanged})

	if len(c.Send) != 1 {
		t.Errorf("expected one buffered event, got %d", len(c.Send))
	}
}

func TestHub_AttachForwardsTokenChanges(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	tokens := session.NewTokenStore(session.NewMemoryStorage(time.Hour))
	detach := hub.Attach(tokens)

	c := newClient("c", "s1")
	hub.Register(c)

	ctx := session.NewContext(context.Background(), "s1")
	if err := tokens.SetTokens(ctx, session.Tokens{AccessToken: "secret-at", RefreshToken: "secret-rt", ExpiresIn: 60, PatientID: "p-2"}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}

	data := <-c.Send
	if strings.Contains(string(data), "secret-") {
		t.Errorf("event leaked a token: %s", data)
	}
	var ev Event
	json.Unmarshal(data, &ev)
	if !ev.Session.IsAuthenticated || ev.Session.PatientID != "p-2" || ev.Session.ExpiresAt == nil {
		t.Errorf("unexpected event %+v", ev)
	}

	detach()
	tokens.ClearAuth(ctx)
	if len(c.Send) != 0 {
		t.Error("expected no events after detach")
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

const testSID = "0d7c5f62-1c1a-4d8e-8e0e-3f3c2b7a9a10"

func newHandlerServer(t *testing.T, origins []string) (*httptest.Server, *Hub, *session.TokenStore) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	tokens := session.NewTokenStore(session.NewMemoryStorage(time.Hour))
	t.Cleanup(hub.Attach(tokens))

	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(session.NewContext(c.Request().Context(), testSID)))
			return next(c)
		}
	})
	NewHandler(hub, tokens, origins).RegisterRoutes(e.Group("/api"))

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, hub, tokens
}

func dial(t *testing.T, srv *httptest.Server, origin string) (*gorillawebsocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return gorillawebsocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/session/events", header)
}

func readEvent(t *testing.T, ws *gorillawebsocket.Conn) Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	return ev
}

func TestHandler_SnapshotThenChanges(t *testing.T) {
	srv, hub, tokens := newHandlerServer(t, nil)

	ws, _, err := dial(t, srv, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ev := readEvent(t, ws)
	if ev.Type != EventSnapshot || ev.Session.IsAuthenticated {
		t.Fatalf("expected unauthenticated snapshot, got %+v", ev)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount(testSID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx := session.NewContext(context.Background(), testSID)
	tokens.SetTokens(ctx, session.Tokens{AccessToken: "at", ExpiresIn: 3600, PatientID: "p-9", NeedPatientBanner: true})

	ev = readEvent(t, ws)
	if ev.Type != EventChanged || !ev.Session.IsAuthenticated || ev.Session.PatientID != "p-9" || !ev.Session.NeedPatientBanner {
		t.Errorf("unexpected change event %+v", ev)
	}
}

func TestHandler_UnregistersOnClose(t *testing.T) {
	srv, hub, _ := newHandlerServer(t, nil)

	ws, _, err := dial(t, srv, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readEvent(t, ws)
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected client to be unregistered, got %d", hub.ClientCount())
	}
}

func TestHandler_OriginCheck(t *testing.T) {
	srv, _, _ := newHandlerServer(t, []string{"http://ui.test"})

	if _, resp, err := dial(t, srv, "http://evil.test"); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for foreign origin, got %v", err)
	}
	ws, _, err := dial(t, srv, "http://ui.test")
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	ws.Close()
}
