package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// subscribeRequest is the first frame sent on a realtime connection.
type subscribeRequest struct {
	Action string      `json:"action"`
	Table  string      `json:"table"`
	Filter *wireFilter `json:"filter,omitempty"`
}

type wireFilter struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// realtimeEvent is one change frame pushed by the server.
type realtimeEvent struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record,omitempty"`
}

// realtimeSub owns one websocket connection. Each subscription gets its own
// connection, so pausing one table is a plain close without coordination.
type realtimeSub struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Subscribe implements Gateway. Delivered changes run fn on the reader
// goroutine; fn must not block. A read failure tears the stream down and is
// logged; the subscription is not reopened.
func (c *Client) Subscribe(ctx context.Context, table string, filter *Filter, fn func(Change)) (Subscription, error) {
	conn, _, err := websocket.Dial(ctx, c.realtimeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime endpoint: %w", err)
	}

	req := subscribeRequest{Action: "subscribe", Table: table}
	if filter != nil {
		req.Filter = &wireFilter{Path: RenderPath(filter.Path), Op: string(filter.Op), Value: filter.Value}
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("failed to subscribe to %s: %w", table, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &realtimeSub{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		for {
			var ev realtimeEvent
			if err := wsjson.Read(readCtx, conn, &ev); err != nil {
				sub.mu.Lock()
				closed := sub.closed
				sub.mu.Unlock()
				if !closed {
					c.logger.Printf("realtime stream for %s ended: %v", table, err)
				}
				return
			}

			var row Row
			if len(ev.Record) > 0 {
				if err := json.Unmarshal(ev.Record, &row); err != nil {
					c.logger.Printf("realtime payload for %s undecodable: %v", table, err)
					continue
				}
			}
			fn(Change{Type: ChangeType(ev.Type), Table: ev.Table, Row: row})
		}
	}()

	return sub, nil
}

// Close implements Subscription.
func (s *realtimeSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	<-s.done
	if err != nil {
		return fmt.Errorf("failed to close realtime stream: %w", err)
	}
	return nil
}
