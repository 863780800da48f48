package convoke_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/convoke-dev/convoke"
)

type mockConnection struct {
	incoming   chan *convoke.SocketMessage
	outgoing   chan *convoke.SocketMessage
	mu         sync.Mutex
	closed     bool
	failWrites bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		incoming: make(chan *convoke.SocketMessage, 16),
		outgoing: make(chan *convoke.SocketMessage, 16),
	}
}

func (m *mockConnection) Read(ctx context.Context) (*convoke.SocketMessage, error) {
	select {
	case msg, ok := <-m.incoming:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockConnection) Write(ctx context.Context, msg *convoke.SocketMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("transport fault")
	}
	if m.closed {
		return io.ErrClosedPipe
	}
	m.outgoing <- msg
	return nil
}

func (m *mockConnection) Close(status convoke.Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.incoming)
	}
	return nil
}

func (m *mockConnection) sendFrame(t *testing.T, event string, data any, correlationID string) {
	t.Helper()
	encoded, err := convoke.EncodeFrame(event, data, correlationID)
	if err != nil {
		t.Fatal(err)
	}
	m.incoming <- &convoke.SocketMessage{Type: convoke.MessageText, Data: encoded}
}

func (m *mockConnection) receiveFrame(t *testing.T, timeout time.Duration) *convoke.Frame {
	t.Helper()
	select {
	case msg := <-m.outgoing:
		frame, err := convoke.DecodeFrame(msg.Data)
		if err != nil {
			t.Fatalf("outgoing message is not a frame: %v", err)
		}
		return frame
	case <-time.After(timeout):
		t.Fatal("timeout waiting for outgoing frame")
		return nil
	}
}

func (m *mockConnection) expectNoFrame(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-m.outgoing:
		t.Fatalf("unexpected outgoing frame: %s", msg.Data)
	case <-time.After(wait):
	}
}

func startConnection(t *testing.T, server *convoke.Server, path string) *mockConnection {
	t.Helper()
	mock := newMockConnection()
	go func() {
		if err := server.HandleConnection(path, mock); err != nil {
			t.Errorf("HandleConnection failed: %v", err)
		}
	}()
	return mock
}

func waitForConnections(t *testing.T, server *convoke.Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.Registry().Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry never reached %d connections, have %d", want, server.Registry().Len())
}

func newSocketServer(t *testing.T) *convoke.Server {
	t.Helper()
	server := convoke.NewServer(nil)
	server.Handle("chatSocket", func(ctx *convoke.RequestContext, conn *convoke.Conn) {})
	return server
}

func TestEventReplyCorrelation(t *testing.T) {
	server := newSocketServer(t)
	server.Handle("join_roomEvent", func(ctx *convoke.EventContext) *convoke.Result {
		var req struct {
			RoomID string `json:"room_id"`
		}
		if err := ctx.Unmarshal(&req); err != nil {
			t.Errorf("unmarshal failed: %v", err)
		}
		return convoke.OK(map[string]any{"room": req.RoomID})
	})

	mock := startConnection(t, server, "/chat")
	mock.sendFrame(t, "join_room", map[string]any{"room_id": "general"}, "c1")

	frame := mock.receiveFrame(t, time.Second)
	if frame.Event != "join_room" {
		t.Errorf("reply event = %q, want join_room", frame.Event)
	}
	if frame.CorrelationID != "c1" {
		t.Errorf("reply correlationId = %q, want c1", frame.CorrelationID)
	}

	var env struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Msg     string         `json:"msg"`
	}
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		t.Fatalf("reply data is not an envelope: %v", err)
	}
	if !env.Success || env.Data["room"] != "general" || env.Msg != "" {
		t.Errorf("envelope = %+v, want success with room=general", env)
	}

	mock.expectNoFrame(t, 100*time.Millisecond)
}

func TestExplicitReplySuppressesAutoReply(t *testing.T) {
	server := newSocketServer(t)
	server.Handle("pingEvent", func(ctx *convoke.EventContext) *convoke.Result {
		if err := ctx.Reply(map[string]any{"pong": true}); err != nil {
			t.Errorf("reply failed: %v", err)
		}
		return convoke.OK("should not be sent")
	})

	mock := startConnection(t, server, "/chat")
	mock.sendFrame(t, "ping", nil, "c2")

	frame := mock.receiveFrame(t, time.Second)
	if frame.CorrelationID != "c2" {
		t.Errorf("correlationId = %q, want c2", frame.CorrelationID)
	}
	var reply map[string]any
	if err := json.Unmarshal(frame.Data, &reply); err != nil {
		t.Fatal(err)
	}
	if reply["pong"] != true {
		t.Errorf("reply = %v, want the explicit payload", reply)
	}

	mock.expectNoFrame(t, 100*time.Millisecond)
}

func TestDuplicateReplyIsNoOp(t *testing.T) {
	server := newSocketServer(t)
	server.Handle("onceEvent", func(ctx *convoke.EventContext) *convoke.Result {
		if err := ctx.Reply("first"); err != nil {
			t.Errorf("first reply failed: %v", err)
		}
		if err := ctx.Reply("second"); err != nil {
			t.Errorf("second reply should be a no-op, got: %v", err)
		}
		return nil
	})

	mock := startConnection(t, server, "/chat")
	mock.sendFrame(t, "once", nil, "c3")

	frame := mock.receiveFrame(t, time.Second)
	var text string
	if err := json.Unmarshal(frame.Data, &text); err != nil || text != "first" {
		t.Errorf("reply = %s, want \"first\"", frame.Data)
	}

	mock.expectNoFrame(t, 100*time.Millisecond)
}

func TestReplyWithoutCorrelation(t *testing.T) {
	server := newSocketServer(t)
	replyErr := make(chan error, 1)
	server.Handle("fireEvent", func(ctx *convoke.EventContext) *convoke.Result {
		replyErr <- ctx.Reply("nope")
		return nil
	})

	mock := startConnection(t, server, "/chat")
	mock.sendFrame(t, "fire", nil, "")

	select {
	case err := <-replyErr:
		if !errors.Is(err, convoke.ErrNoCorrelation) {
			t.Errorf("err = %v, want ErrNoCorrelation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestUnknownEventIsDropped(t *testing.T) {
	server := newSocketServer(t)
	server.Handle("knownEvent", func(ctx *convoke.EventContext) *convoke.Result {
		return convoke.OK("alive")
	})

	mock := startConnection(t, server, "/chat")
	mock.sendFrame(t, "mystery", map[string]any{"x": 1}, "")
	mock.sendFrame(t, "known", nil, "c4")

	// The unknown event must not kill the connection: the next frame still
	// gets its reply.
	frame := mock.receiveFrame(t, time.Second)
	if frame.CorrelationID != "c4" {
		t.Errorf("correlationId = %q, want c4", frame.CorrelationID)
	}
}

func TestUncorrelatedResultEmittedAsEvent(t *testing.T) {
	server := newSocketServer(t)
	server.Handle("statusEvent", func(ctx *convoke.EventContext) *convoke.Result {
		return convoke.OK(map[string]any{"state": "ready"})
	})

	mock := startConnection(t, server, "/chat")
	mock.sendFrame(t, "status", nil, "")

	frame := mock.receiveFrame(t, time.Second)
	if frame.Event != "status" {
		t.Errorf("event = %q, want status", frame.Event)
	}
	if frame.CorrelationID != "" {
		t.Errorf("plain event should carry no correlationId, got %q", frame.CorrelationID)
	}
}

func TestCorrelatedHandlerPanicSendsFailureReply(t *testing.T) {
	server := newSocketServer(t)
	server.Handle("crashEvent", func(ctx *convoke.EventContext) *convoke.Result {
		panic("event handler exploded")
	})

	mock := startConnection(t, server, "/chat")
	mock.sendFrame(t, "crash", nil, "c5")

	frame := mock.receiveFrame(t, time.Second)
	var env struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Success {
		t.Error("expected failure envelope")
	}
	if strings.Contains(env.Msg, "exploded") {
		t.Errorf("internal detail leaked: %q", env.Msg)
	}
}

func TestOpenHandlerRunsOnceAndCanEmit(t *testing.T) {
	opens := make(chan string, 2)
	server := convoke.NewServer(nil)
	server.Handle("chatSocket", func(ctx *convoke.RequestContext, conn *convoke.Conn) {
		opens <- conn.ID()
		if err := conn.Emit("welcome", map[string]any{"id": conn.ID()}); err != nil {
			t.Errorf("emit failed: %v", err)
		}
	})

	mock := startConnection(t, server, "/chat")

	frame := mock.receiveFrame(t, time.Second)
	if frame.Event != "welcome" {
		t.Errorf("event = %q, want welcome", frame.Event)
	}

	select {
	case <-opens:
	case <-time.After(time.Second):
		t.Fatal("open handler never ran")
	}
	select {
	case <-opens:
		t.Fatal("open handler ran more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcastFanOutWithFaultyConnection(t *testing.T) {
	server := newSocketServer(t)

	healthyA := startConnection(t, server, "/chat")
	healthyB := startConnection(t, server, "/chat")
	faulty := startConnection(t, server, "/chat")
	waitForConnections(t, server, 3)

	faulty.mu.Lock()
	faulty.failWrites = true
	faulty.mu.Unlock()

	server.Broadcast("news", map[string]any{"headline": "hello"})

	for _, mock := range []*mockConnection{healthyA, healthyB} {
		frame := mock.receiveFrame(t, time.Second)
		if frame.Event != "news" {
			t.Errorf("event = %q, want news", frame.Event)
		}
	}

	// The faulty connection transitions to closed and leaves the registry;
	// the healthy ones are unaffected.
	waitForConnections(t, server, 2)
}

func TestWebSocketEndToEnd(t *testing.T) {
	server := convoke.NewServer(nil)
	server.Handle("chatSocket", func(ctx *convoke.RequestContext, conn *convoke.Conn) {
		_ = conn.Emit("welcome", map[string]any{"id": conn.ID()})
	})
	server.Handle("join_roomEvent", func(ctx *convoke.EventContext) *convoke.Result {
		var req struct {
			RoomID string `json:"room_id"`
		}
		if err := ctx.Unmarshal(&req); err != nil {
			return convoke.Fail("bad payload")
		}
		return convoke.OK(map[string]any{"room": req.RoomID})
	})

	testServer := httptest.NewServer(server)
	defer testServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/chat"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, welcome, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	welcomeFrame, err := convoke.DecodeFrame(welcome)
	if err != nil || welcomeFrame.Event != "welcome" {
		t.Fatalf("expected welcome frame, got %s (%v)", welcome, err)
	}

	request, err := convoke.EncodeFrame("join_room", map[string]any{"room_id": "general"}, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, request); err != nil {
		t.Fatal(err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	replyFrame, err := convoke.DecodeFrame(reply)
	if err != nil {
		t.Fatal(err)
	}
	if replyFrame.CorrelationID != "c1" || replyFrame.Event != "join_room" {
		t.Errorf("reply frame = %+v, want join_room/c1", replyFrame)
	}
}
