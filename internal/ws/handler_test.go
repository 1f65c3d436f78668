package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/bookreview/internal/message"
	"github.com/christopherjohns/bookreview/internal/room"
)

type gateway struct {
	ts       *httptest.Server
	registry *room.Registry
	store    *message.Store
	conns    *ConnManager
}

func newHandlerTestServer(t *testing.T, opts ...HandlerOption) *gateway {
	t.Helper()
	registry := room.NewRegistry()
	store := message.NewStore(100)
	cm := NewConnManager(zap.NewNop())
	opts = append([]HandlerOption{WithMessageStore(store)}, opts...)
	h := NewHandler(registry, cm, zap.NewNop(), opts...)
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		cm.Shutdown()
		ts.Close()
	})
	return &gateway{ts: ts, registry: registry, store: store, conns: cm}
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	data, _ := json.Marshal(payload)
	env, _ := json.Marshal(Envelope{Type: typ, Payload: data})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, env); err != nil {
		t.Fatalf("write %s error: %v", typ, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return env
}

func readMessage(t *testing.T, conn *websocket.Conn, wantType string) message.Message {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != wantType {
		t.Fatalf("expected %q envelope, got %q (%s)", wantType, env.Type, env.Payload)
	}
	var msg message.Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("unmarshal payload error: %v", err)
	}
	return msg
}

func readError(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != TypeError {
		t.Fatalf("expected error envelope, got %q (%s)", env.Type, env.Payload)
	}
	var p ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return p.Message
}

func readHistory(t *testing.T, conn *websocket.Conn) []message.Message {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != TypeHistory {
		t.Fatalf("expected history envelope, got %q", env.Type)
	}
	var msgs []message.Message
	if err := json.Unmarshal(env.Payload, &msgs); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	return msgs
}

// join sends a join event and consumes the history and joined notice the
// joiner receives.
func join(t *testing.T, conn *websocket.Conn, roomName, username string) {
	t.Helper()
	send(t, conn, EventJoin, JoinPayload{Room: roomName, Username: username})
	readHistory(t, conn)
	msg := readMessage(t, conn, TypeSystem)
	if msg.Content != username+" has joined the room." {
		t.Fatalf("unexpected join notice %q", msg.Content)
	}
}

func memberNames(r *room.Registry, name string) []string {
	var names []string
	for _, h := range r.Members(name) {
		names = append(names, h.Username())
	}
	sort.Strings(names)
	return names
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerJoinChatDisconnect(t *testing.T) {
	gw := newHandlerTestServer(t)

	alice := dialWS(t, gw.ts.URL)
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := dialWS(t, gw.ts.URL)
	defer bob.Close(websocket.StatusNormalClosure, "")

	join(t, alice, "r1", "alice")
	join(t, bob, "r1", "bob")
	if msg := readMessage(t, alice, TypeSystem); msg.Content != "bob has joined the room." {
		t.Fatalf("alice expected bob's join notice, got %q", msg.Content)
	}

	send(t, alice, EventMessage, MessagePayload{Room: "r1", Message: "  hi  "})
	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readMessage(t, conn, TypeChat)
		if msg.Content != "hi" || msg.Username != "alice" || msg.Room != "r1" {
			t.Errorf("unexpected chat message %+v", msg)
		}
	}
	if gw.store.Count("r1") != 1 {
		t.Errorf("expected message appended to history, got %d", gw.store.Count("r1"))
	}

	alice.Close(websocket.StatusNormalClosure, "")

	msg := readMessage(t, bob, TypeSystem)
	if msg.Content != "alice has left the room." || msg.Action != message.ActionLeave {
		t.Errorf("unexpected leave notice %+v", msg)
	}
	waitFor(t, func() bool { return len(gw.registry.Members("r1")) == 1 })
	if got := memberNames(gw.registry, "r1"); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected r1 = [bob], got %v", got)
	}
}

func TestHandlerHistoryReplayedToJoiner(t *testing.T) {
	gw := newHandlerTestServer(t)

	alice := dialWS(t, gw.ts.URL)
	defer alice.Close(websocket.StatusNormalClosure, "")
	join(t, alice, "books", "alice")
	send(t, alice, EventMessage, MessagePayload{Room: "books", Message: "first"})
	readMessage(t, alice, TypeChat)

	bob := dialWS(t, gw.ts.URL)
	defer bob.Close(websocket.StatusNormalClosure, "")
	send(t, bob, EventJoin, JoinPayload{Room: "books", Username: "bob"})

	history := readHistory(t, bob)
	if len(history) != 1 || history[0].Content != "first" {
		t.Fatalf("unexpected history %+v", history)
	}
	if msg := readMessage(t, bob, TypeSystem); msg.Content != "bob has joined the room." {
		t.Fatalf("unexpected notice %q", msg.Content)
	}
}

func TestHandlerMessageToUnjoinedRoom(t *testing.T) {
	gw := newHandlerTestServer(t)

	alice := dialWS(t, gw.ts.URL)
	defer alice.Close(websocket.StatusNormalClosure, "")
	join(t, alice, "r1", "alice")

	send(t, alice, EventMessage, MessagePayload{Room: "r2", Message: "psst"})
	if msg := readError(t, alice); !strings.Contains(msg, "not a member") {
		t.Errorf("unexpected error %q", msg)
	}
	if gw.store.Count("r2") != 0 {
		t.Error("rejected message must not be stored")
	}
}

func TestHandlerRejectsBadMessages(t *testing.T) {
	gw := newHandlerTestServer(t, WithMaxMessageLength(5))

	conn := dialWS(t, gw.ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	join(t, conn, "r1", "alice")

	send(t, conn, EventMessage, MessagePayload{Room: "r1", Message: "   "})
	if msg := readError(t, conn); !strings.Contains(msg, "required") {
		t.Errorf("unexpected error for empty message %q", msg)
	}

	send(t, conn, EventMessage, MessagePayload{Room: "r1", Message: "too long"})
	if msg := readError(t, conn); !strings.Contains(msg, "maximum length of 5") {
		t.Errorf("unexpected error for long message %q", msg)
	}

	send(t, conn, "dance", struct{}{})
	if msg := readError(t, conn); !strings.Contains(msg, "unknown event type") {
		t.Errorf("unexpected error for unknown type %q", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if msg := readError(t, conn); msg != "invalid JSON" {
		t.Errorf("unexpected error for malformed frame %q", msg)
	}

	// The connection stays usable after rejected events.
	send(t, conn, EventMessage, MessagePayload{Room: "r1", Message: "ok"})
	if msg := readMessage(t, conn, TypeChat); msg.Content != "ok" {
		t.Errorf("expected chat after errors, got %q", msg.Content)
	}
}

func TestHandlerLeave(t *testing.T) {
	gw := newHandlerTestServer(t)

	alice := dialWS(t, gw.ts.URL)
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := dialWS(t, gw.ts.URL)
	defer bob.Close(websocket.StatusNormalClosure, "")
	join(t, alice, "r1", "alice")
	join(t, bob, "r1", "bob")
	readMessage(t, alice, TypeSystem)

	send(t, alice, EventLeave, LeavePayload{Room: "r1", Username: "alice"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		if msg := readMessage(t, conn, TypeSystem); msg.Content != "alice has left the room." {
			t.Errorf("unexpected leave notice %q", msg.Content)
		}
	}
	waitFor(t, func() bool { return len(gw.registry.Members("r1")) == 1 })

	send(t, alice, EventLeave, LeavePayload{Room: "r1", Username: "alice"})
	if msg := readError(t, alice); !strings.Contains(msg, "not a member") {
		t.Errorf("unexpected error %q", msg)
	}
}

func TestHandlerJoinAnotherRoomLeavesPrevious(t *testing.T) {
	gw := newHandlerTestServer(t)

	alice := dialWS(t, gw.ts.URL)
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := dialWS(t, gw.ts.URL)
	defer bob.Close(websocket.StatusNormalClosure, "")
	join(t, alice, "r1", "alice")
	join(t, bob, "r1", "bob")
	readMessage(t, alice, TypeSystem)

	join(t, alice, "r2", "alice")
	if msg := readMessage(t, bob, TypeSystem); msg.Content != "alice has left the room." {
		t.Errorf("unexpected notice in previous room %q", msg.Content)
	}
	if got := memberNames(gw.registry, "r1"); len(got) != 1 || got[0] != "bob" {
		t.Errorf("expected r1 = [bob], got %v", got)
	}
	if got := memberNames(gw.registry, "r2"); len(got) != 1 || got[0] != "alice" {
		t.Errorf("expected r2 = [alice], got %v", got)
	}
}

func TestHandlerJoinRequiresRoom(t *testing.T) {
	gw := newHandlerTestServer(t)

	conn := dialWS(t, gw.ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, EventJoin, JoinPayload{Username: "alice"})
	if msg := readError(t, conn); msg != "room is required" {
		t.Errorf("unexpected error %q", msg)
	}
	if gw.registry.Len() != 0 {
		t.Errorf("expected no rooms, got %d", gw.registry.Len())
	}
}

func TestHandlerDefaultUsername(t *testing.T) {
	gw := newHandlerTestServer(t)

	conn := dialWS(t, gw.ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, EventJoin, JoinPayload{Room: "r1"})
	readHistory(t, conn)
	msg := readMessage(t, conn, TypeSystem)
	if !strings.HasPrefix(msg.Username, "anon-") {
		t.Errorf("expected username to start with 'anon-', got %q", msg.Username)
	}
}

func TestHandlerMessageRateLimit(t *testing.T) {
	gw := newHandlerTestServer(t, WithMessageRate(1, time.Minute))

	conn := dialWS(t, gw.ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	join(t, conn, "r1", "alice")

	send(t, conn, EventMessage, MessagePayload{Room: "r1", Message: "one"})
	readMessage(t, conn, TypeChat)

	send(t, conn, EventMessage, MessagePayload{Room: "r1", Message: "two"})
	if msg := readError(t, conn); !strings.Contains(msg, "rate limit") {
		t.Errorf("unexpected error %q", msg)
	}
	if gw.store.Count("r1") != 1 {
		t.Errorf("expected only the first message stored, got %d", gw.store.Count("r1"))
	}
}

func TestHandlerLastMemberDisconnectRemovesRoom(t *testing.T) {
	gw := newHandlerTestServer(t)

	conn := dialWS(t, gw.ts.URL)
	join(t, conn, "solo", "alice")
	conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return gw.registry.Len() == 0 })
}

func TestHandlerShutdownEmptiesRegistry(t *testing.T) {
	gw := newHandlerTestServer(t)

	alice := dialWS(t, gw.ts.URL)
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := dialWS(t, gw.ts.URL)
	defer bob.Close(websocket.StatusNormalClosure, "")
	cyd := dialWS(t, gw.ts.URL)
	defer cyd.Close(websocket.StatusNormalClosure, "")

	join(t, alice, "r1", "alice")
	join(t, bob, "r1", "bob")
	join(t, cyd, "r2", "cyd")
	if gw.registry.Len() != 2 {
		t.Fatalf("expected 2 rooms, got %d", gw.registry.Len())
	}

	// Clients keep reading so the close handshake completes promptly.
	statuses := make(chan websocket.StatusCode, 3)
	for _, c := range []*websocket.Conn{alice, bob, cyd} {
		go func(c *websocket.Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				if _, _, err := c.Read(ctx); err != nil {
					statuses <- websocket.CloseStatus(err)
					return
				}
			}
		}(c)
	}

	gw.conns.Shutdown()

	waitFor(t, func() bool { return gw.registry.Len() == 0 })
	for _, r := range []string{"r1", "r2"} {
		if n := len(gw.registry.Members(r)); n != 0 {
			t.Fatalf("room %s still has %d members", r, n)
		}
	}
	if gw.conns.Count() != 0 {
		t.Fatalf("expected 0 tracked connections, got %d", gw.conns.Count())
	}
	for i := 0; i < 3; i++ {
		if status := <-statuses; status != websocket.StatusGoingAway {
			t.Fatalf("expected StatusGoingAway, got %v", status)
		}
	}
}
