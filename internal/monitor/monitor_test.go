package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	s := NewServer(&Config{Port: 0})
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start monitor: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to dial monitor: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestBroadcastReachesObserver(t *testing.T) {
	s := startServer(t)
	conn := dial(t, s)

	// Give the server a moment to register the client.
	time.Sleep(50 * time.Millisecond)
	s.Broadcast(Message{Event: "pulled", Label: "tasks"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("frame undecodable: %v", err)
	}
	if msg.Event != "pulled" || msg.Label != "tasks" {
		t.Errorf("unexpected frame: %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Error("frame should be stamped")
	}
}

func TestBroadcastToMultipleObservers(t *testing.T) {
	s := startServer(t)
	a := dial(t, s)
	b := dial(t, s)

	time.Sleep(50 * time.Millisecond)
	s.Broadcast(Message{Event: "state"})

	for i, conn := range []*websocket.Conn{a, b} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("observer %d read failed: %v", i, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event != "state" {
			t.Errorf("observer %d got bad frame: %s (%v)", i, data, err)
		}
	}
}

func TestStopIsClean(t *testing.T) {
	s := startServer(t)
	_ = dial(t, s)
	time.Sleep(20 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
