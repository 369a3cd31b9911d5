package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// newConnTestServer accepts each connection and registers it with the
// manager, reading until the connection closes. Registered clients are
// delivered on the returned channel.
func newConnTestServer(t *testing.T, cm *ConnManager) (*httptest.Server, chan *Client) {
	t.Helper()
	clients := make(chan *Client, 8)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept error: %v", err)
			return
		}

		client, connCtx := cm.Add(conn)
		if client == nil {
			return
		}
		clients <- client
		defer cm.Remove(client)

		for {
			select {
			case <-connCtx.Done():
				return
			default:
			}
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	return ts, clients
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

func waitForClient(t *testing.T, clients chan *Client) *Client {
	t.Helper()
	select {
	case c := <-clients:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("client was not registered")
		return nil
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

func TestConnManagerAddRemove(t *testing.T) {
	cm := NewConnManager()
	ts, clients := newConnTestServer(t, cm)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := waitForClient(t, clients)
	if client.ID() == "" {
		t.Fatal("client should get a connection ID")
	}
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}

	cm.Remove(client)
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after remove, got %d", cm.Count())
	}

	// Second remove is a no-op.
	cm.Remove(client)
}

func TestConnManagerToConn(t *testing.T) {
	cm := NewConnManager()
	ts, clients := newConnTestServer(t, cm)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	client := waitForClient(t, clients)

	cm.ToConn(client.ID(), "system", map[string]string{"message": "hello"})

	env := readEnvelope(t, conn)
	if env.Type != "system" {
		t.Errorf("expected type 'system', got %q", env.Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload error: %v", err)
	}
	if payload["message"] != "hello" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestConnManagerToConnUnknownID(t *testing.T) {
	cm := NewConnManager()
	// Must not panic or block.
	cm.ToConn("nope", "system", map[string]string{"message": "hello"})
}

func TestConnManagerBroadcast(t *testing.T) {
	cm := NewConnManager()
	ts, clients := newConnTestServer(t, cm)
	defer ts.Close()

	conn1 := dialWS(t, ts.URL)
	defer conn1.Close(websocket.StatusNormalClosure, "")
	waitForClient(t, clients)
	conn2 := dialWS(t, ts.URL)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	waitForClient(t, clients)

	cm.Broadcast("system", map[string]string{"message": "to everyone"})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		env := readEnvelope(t, conn)
		if env.Type != "system" {
			t.Errorf("conn %d: expected type 'system', got %q", i, env.Type)
		}
	}
}

func TestConnManagerBroadcastExcept(t *testing.T) {
	cm := NewConnManager()
	ts, clients := newConnTestServer(t, cm)
	defer ts.Close()

	conn1 := dialWS(t, ts.URL)
	defer conn1.Close(websocket.StatusNormalClosure, "")
	client1 := waitForClient(t, clients)
	conn2 := dialWS(t, ts.URL)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	waitForClient(t, clients)

	cm.BroadcastExcept(client1.ID(), "typing", map[string]bool{"isTyping": true})
	// A follow-up broadcast lets us prove conn1 skipped the first event.
	cm.Broadcast("system", map[string]string{"message": "after"})

	if env := readEnvelope(t, conn2); env.Type != "typing" {
		t.Errorf("conn2: expected 'typing', got %q", env.Type)
	}
	if env := readEnvelope(t, conn1); env.Type != "system" {
		t.Errorf("conn1: expected to skip 'typing' and get 'system', got %q", env.Type)
	}
}

func TestConnManagerCloseConn(t *testing.T) {
	cm := NewConnManager()
	ts, clients := newConnTestServer(t, cm)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	client := waitForClient(t, clients)

	cm.CloseConn(client.ID(), "kicked")

	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after CloseConn, got %d", cm.Count())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected read to fail after CloseConn")
	}
}

func TestConnManagerMaxConns(t *testing.T) {
	cm := NewConnManager(WithMaxConns(1))
	ts, clients := newConnTestServer(t, cm)
	defer ts.Close()

	conn1 := dialWS(t, ts.URL)
	defer conn1.Close(websocket.StatusNormalClosure, "")
	waitForClient(t, clients)

	conn2 := dialWS(t, ts.URL)
	defer conn2.Close(websocket.StatusNormalClosure, "")

	// The second connection is rejected by Add; its socket closes.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn2.Read(ctx); err == nil {
		t.Fatal("expected rejected connection to be closed")
	}

	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}
	if got := cm.Stats().Rejected; got != 1 {
		t.Errorf("expected 1 rejection, got %d", got)
	}
}

func TestConnManagerSendBufferFull(t *testing.T) {
	cm := NewConnManager()

	// No write pump drains this channel, so fills are deterministic.
	client := &Client{id: "slow", send: make(chan []byte, sendBufferSize)}

	for i := 0; i < sendBufferSize; i++ {
		if !cm.sendBytes(client, []byte("msg")) {
			t.Fatalf("send %d should have succeeded", i)
		}
	}
	if cm.sendBytes(client, []byte("overflow")) {
		t.Fatal("expected send to fail when buffer is full")
	}
	if got := cm.Stats().DroppedMessages; got != 1 {
		t.Errorf("expected 1 dropped message, got %d", got)
	}
}

func TestConnManagerShutdown(t *testing.T) {
	cm := NewConnManager()
	ts, clients := newConnTestServer(t, cm)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForClient(t, clients)

	cm.Shutdown()

	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after shutdown, got %d", cm.Count())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected read to fail after shutdown")
	}
}

func TestConnManagerShutdownRejectsNew(t *testing.T) {
	cm := NewConnManager()
	cm.Shutdown()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		client, ctx := cm.Add(conn)
		if client != nil {
			t.Error("expected nil client after shutdown")
		}
		select {
		case <-ctx.Done():
		default:
			t.Error("expected a cancelled context after shutdown")
		}
	}))
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the server handler time to execute.
	time.Sleep(100 * time.Millisecond)
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections, got %d", cm.Count())
	}
}

func TestEnvelopeFraming(t *testing.T) {
	data, ok := envelope("chat", map[string]string{"body": "hi"})
	if !ok {
		t.Fatal("envelope should marshal")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Type != "chat" {
		t.Errorf("expected type 'chat', got %q", env.Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload error: %v", err)
	}
	if payload["body"] != "hi" {
		t.Errorf("unexpected payload: %v", payload)
	}
}
