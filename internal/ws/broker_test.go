package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chat-agent-relay/backend/internal/model"
	"github.com/chat-agent-relay/backend/internal/session"
)

func newTestBroker(t *testing.T, cfg Config) (*Broker, *session.Manager, *httptest.Server) {
	t.Helper()

	mgr := session.NewManager(nil, nil, session.Config{TokenBudget: 4000}, nil)
	b := NewBroker(mgr, cfg, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.HandleConnection(w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		b.Close()
		mgr.Close()
	})
	return b, mgr, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func sendMessage(t *testing.T, c *websocket.Conn, msg Message) {
	t.Helper()
	if err := c.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readMessage(t *testing.T, c *websocket.Conn) Message {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return msg
}

// readUntil skips frames until one of the wanted type arrives. Broadcasts
// interleave with direct replies, so tests must not assume exact ordering.
func readUntil(t *testing.T, c *websocket.Conn, want MessageType) Message {
	t.Helper()

	for i := 0; i < 20; i++ {
		msg := readMessage(t, c)
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("never received a %s frame", want)
	return Message{}
}

// join binds the connection and returns the session id it landed on.
func join(t *testing.T, c *websocket.Conn, sessionID string) string {
	t.Helper()
	sendMessage(t, c, Message{Type: TypeJoinChat, SessionID: sessionID})
	return readUntil(t, c, TypeJoined).SessionID
}

func TestBroker_Join(t *testing.T) {
	t.Run("join without a session creates one", func(t *testing.T) {
		_, mgr, srv := newTestBroker(t, Config{})
		c := dial(t, srv)

		sendMessage(t, c, Message{Type: TypeJoinChat, UserID: "user-1"})

		created := readUntil(t, c, TypeSessionCreated)
		if created.SessionID == "" {
			t.Fatal("session_created must carry the new session id")
		}
		joined := readUntil(t, c, TypeJoined)
		if joined.SessionID != created.SessionID {
			t.Errorf("joined %s but created %s", joined.SessionID, created.SessionID)
		}
		if joined.Timestamp == "" {
			t.Error("server frames must be timestamped")
		}
		if _, err := time.Parse(time.RFC3339, joined.Timestamp); err != nil {
			t.Errorf("timestamp not RFC3339: %v", err)
		}
		if !mgr.Has(created.SessionID) {
			t.Error("session should exist in the manager")
		}
	})

	t.Run("join an existing session", func(t *testing.T) {
		_, mgr, srv := newTestBroker(t, Config{})
		c := dial(t, srv)

		info, err := mgr.CreateSession(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		sendMessage(t, c, Message{Type: TypeJoinChat, SessionID: info.ID})
		joined := readUntil(t, c, TypeJoined)
		if joined.SessionID != info.ID {
			t.Errorf("expected to join %s, got %s", info.ID, joined.SessionID)
		}
	})

	t.Run("join an unknown session creates a fresh one", func(t *testing.T) {
		_, _, srv := newTestBroker(t, Config{})
		c := dial(t, srv)

		sendMessage(t, c, Message{Type: TypeJoinChat, SessionID: "no-such-session"})
		created := readUntil(t, c, TypeSessionCreated)
		if created.SessionID == "no-such-session" || created.SessionID == "" {
			t.Errorf("expected a fresh session id, got %q", created.SessionID)
		}
	})
}

func TestBroker_Chat(t *testing.T) {
	t.Run("message is broadcast to every bound connection", func(t *testing.T) {
		_, _, srv := newTestBroker(t, Config{})
		c1 := dial(t, srv)
		c2 := dial(t, srv)

		sid := join(t, c1, "")
		if got := join(t, c2, sid); got != sid {
			t.Fatalf("second connection joined %s, want %s", got, sid)
		}

		sendMessage(t, c1, Message{Type: TypeChatMessage, Content: "hello everyone", UserID: "user-1"})

		for i, c := range []*websocket.Conn{c1, c2} {
			resp := readUntil(t, c, TypeChatResponse)
			if resp.Message == nil || resp.Message.Content != "hello everyone" {
				t.Errorf("conn %d: unexpected payload %+v", i+1, resp.Message)
			}
			if resp.Message != nil && resp.Message.Role != model.RoleUser {
				t.Errorf("conn %d: expected user role, got %s", i+1, resp.Message.Role)
			}
		}
	})

	t.Run("unbound connection without session id is rejected", func(t *testing.T) {
		_, _, srv := newTestBroker(t, Config{})
		c := dial(t, srv)

		sendMessage(t, c, Message{Type: TypeChatMessage, Content: "hello"})
		errMsg := readUntil(t, c, TypeError)
		if errMsg.Code != model.CodeInvalidMessage {
			t.Errorf("expected %s, got %s", model.CodeInvalidMessage, errMsg.Code)
		}
	})

	t.Run("empty content is rejected", func(t *testing.T) {
		_, _, srv := newTestBroker(t, Config{})
		c := dial(t, srv)
		join(t, c, "")

		sendMessage(t, c, Message{Type: TypeChatMessage})
		errMsg := readUntil(t, c, TypeError)
		if errMsg.Code != model.CodeInvalidMessage {
			t.Errorf("expected %s, got %s", model.CodeInvalidMessage, errMsg.Code)
		}
	})

	t.Run("explicit unknown session id is rejected", func(t *testing.T) {
		_, _, srv := newTestBroker(t, Config{})
		c := dial(t, srv)

		sendMessage(t, c, Message{Type: TypeChatMessage, SessionID: "gone", Content: "hello"})
		errMsg := readUntil(t, c, TypeError)
		if errMsg.Code != model.CodeSessionNotFound {
			t.Errorf("expected %s, got %s", model.CodeSessionNotFound, errMsg.Code)
		}
	})

	t.Run("over-length content never reaches the session", func(t *testing.T) {
		_, mgr, srv := newTestBroker(t, Config{MaxMessageLength: 100})
		c := dial(t, srv)
		sid := join(t, c, "")

		sendMessage(t, c, Message{Type: TypeChatMessage, Content: strings.Repeat("x", 101)})
		errMsg := readUntil(t, c, TypeError)
		if errMsg.Code != model.CodeInvalidMessage {
			t.Errorf("expected %s, got %s", model.CodeInvalidMessage, errMsg.Code)
		}

		msgs, err := mgr.GetMessages(sid)
		if err != nil {
			t.Fatalf("GetMessages failed: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("rejected message must not be recorded, got %d", len(msgs))
		}
	})

	t.Run("escaped content near the ceiling is answered, not dropped", func(t *testing.T) {
		_, _, srv := newTestBroker(t, Config{MaxMessageLength: 2000})
		c := dial(t, srv)
		join(t, c, "")

		// Quote characters double in size when JSON-escaped, so the wire
		// frame is far larger than the content itself. The reply must be an
		// error frame, not a closed socket.
		sendMessage(t, c, Message{Type: TypeChatMessage, Content: strings.Repeat(`"`, 2001)})
		errMsg := readUntil(t, c, TypeError)
		if errMsg.Code != model.CodeInvalidMessage {
			t.Errorf("expected %s, got %s", model.CodeInvalidMessage, errMsg.Code)
		}

		sendMessage(t, c, Message{Type: TypeChatMessage, Content: strings.Repeat(`"`, 2000)})
		resp := readUntil(t, c, TypeChatResponse)
		if resp.Message == nil || len(resp.Message.Content) != 2000 {
			t.Error("boundary-length escaped content should be accepted")
		}
	})

	t.Run("content at the limit passes", func(t *testing.T) {
		_, _, srv := newTestBroker(t, Config{MaxMessageLength: 100})
		c := dial(t, srv)
		join(t, c, "")

		sendMessage(t, c, Message{Type: TypeChatMessage, Content: strings.Repeat("x", 100)})
		resp := readUntil(t, c, TypeChatResponse)
		if resp.Message == nil || len(resp.Message.Content) != 100 {
			t.Error("boundary-length message should be accepted")
		}
	})
}

func TestBroker_RateLimit(t *testing.T) {
	_, _, srv := newTestBroker(t, Config{RateLimitMax: 3})
	c := dial(t, srv)
	join(t, c, "")

	for i := 0; i < 3; i++ {
		sendMessage(t, c, Message{Type: TypeChatMessage, Content: "ping"})
		readUntil(t, c, TypeChatResponse)
	}

	sendMessage(t, c, Message{Type: TypeChatMessage, Content: "one too many"})
	errMsg := readUntil(t, c, TypeError)
	if errMsg.Code != model.CodeRateLimitExceeded {
		t.Errorf("expected %s, got %s", model.CodeRateLimitExceeded, errMsg.Code)
	}
}

func TestBroker_Protocol(t *testing.T) {
	t.Run("malformed JSON gets an error reply", func(t *testing.T) {
		_, _, srv := newTestBroker(t, Config{})
		c := dial(t, srv)

		if err := c.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		errMsg := readUntil(t, c, TypeError)
		if errMsg.Code != model.CodeInvalidMessage {
			t.Errorf("expected %s, got %s", model.CodeInvalidMessage, errMsg.Code)
		}
	})

	t.Run("unknown type keeps the connection usable", func(t *testing.T) {
		_, _, srv := newTestBroker(t, Config{})
		c := dial(t, srv)

		sendMessage(t, c, Message{Type: "telnet"})
		errMsg := readUntil(t, c, TypeError)
		if errMsg.Code != model.CodeInvalidMessage {
			t.Errorf("expected %s, got %s", model.CodeInvalidMessage, errMsg.Code)
		}

		if sid := join(t, c, ""); sid == "" {
			t.Error("connection should still work after a bad frame")
		}
	})

	t.Run("session destruction broadcasts left", func(t *testing.T) {
		_, mgr, srv := newTestBroker(t, Config{})
		c := dial(t, srv)
		sid := join(t, c, "")

		mgr.DestroySession(sid)

		left := readUntil(t, c, TypeLeft)
		if left.SessionID != sid {
			t.Errorf("left frame for %s, want %s", left.SessionID, sid)
		}
	})

	t.Run("leave unbinds and confirms", func(t *testing.T) {
		_, mgr, srv := newTestBroker(t, Config{})
		c := dial(t, srv)
		sid := join(t, c, "")

		sendMessage(t, c, Message{Type: TypeLeaveChat})
		readUntil(t, c, TypeLeft)

		// The session outlives the connection's membership.
		if !mgr.Has(sid) {
			t.Error("leaving must not destroy the session")
		}

		// No longer bound: a broadcast for the session must not arrive.
		mgr.AddMessage(context.Background(), sid, "after leave", model.RoleUser, "")
		c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, _, err := c.ReadMessage(); err == nil {
			t.Error("unbound connection should not receive session broadcasts")
		}
	})
}

func TestBroker_Heartbeat(t *testing.T) {
	t.Run("responsive peer survives", func(t *testing.T) {
		b, _, srv := newTestBroker(t, Config{HeartbeatInterval: 30 * time.Millisecond})
		c := dial(t, srv)
		join(t, c, "")

		// The client default ping handler answers with pongs as long as a
		// read is pending.
		c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		c.ReadMessage() // blocks servicing pings until the deadline

		if b.ConnectionCount() != 1 {
			t.Errorf("responsive connection should survive, count=%d", b.ConnectionCount())
		}
	})

	t.Run("silent peer is torn down after two ticks", func(t *testing.T) {
		b, _, srv := newTestBroker(t, Config{HeartbeatInterval: 30 * time.Millisecond})
		c := dial(t, srv)
		c.SetPingHandler(func(string) error { return nil }) // swallow pings
		join(t, c, "")

		deadline := time.Now().Add(2 * time.Second)
		readFailed := false
		for time.Now().Before(deadline) {
			if b.ConnectionCount() == 0 {
				return
			}
			if readFailed {
				// gorilla read errors are permanent; rereading a failed
				// connection panics, so fall back to polling the count.
				time.Sleep(10 * time.Millisecond)
				continue
			}
			c.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
			if _, _, err := c.ReadMessage(); err != nil {
				readFailed = true
			}
		}
		t.Fatal("silent connection was never torn down")
	})
}

func TestBroker_ConnectionTracking(t *testing.T) {
	b, _, srv := newTestBroker(t, Config{})

	c1 := dial(t, srv)
	c2 := dial(t, srv)
	sid := join(t, c1, "")
	join(t, c2, sid)

	waitForCount := func(want int) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if b.ConnectionCount() == want {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("connection count never reached %d, have %d", want, b.ConnectionCount())
	}

	waitForCount(2)
	for _, info := range b.List() {
		if info.SessionID != sid {
			t.Errorf("connection %s bound to %s, want %s", info.ID, info.SessionID, sid)
		}
	}

	c1.Close()
	waitForCount(1)

	b.Close()
	waitForCount(0)
}
