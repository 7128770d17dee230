package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestRenderPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"title", "title"},
		{"meta.slug", "meta->>slug"},
		{"meta.nested.code", "meta->nested->>code"},
		{"a.b.c.d", "a->b->c->>d"},
	}
	for _, tt := range tests {
		if got := RenderPath(tt.in); got != tt.want {
			t.Errorf("RenderPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEncodeFilters(t *testing.T) {
	got := encodeFilters([]Filter{
		{Path: "user_id", Op: OpEq, Value: "U1"},
		{Path: "updated_at", Op: OpGte, Value: "2025-01-01T00:00:00Z"},
		{Path: "meta.slug", Op: OpEq, Value: "alpha"},
		{Path: "is_deleted", Op: OpIs, Value: false},
	})

	vals, err := url.ParseQuery(got)
	if err != nil {
		t.Fatalf("encodeFilters produced unparseable query %q: %v", got, err)
	}
	checks := map[string]string{
		"user_id":     "eq.U1",
		"updated_at":  "gte.2025-01-01T00:00:00Z",
		"meta->>slug": "eq.alpha",
		"is_deleted":  "is.false",
	}
	for k, want := range checks {
		if vals.Get(k) != want {
			t.Errorf("filter %s = %q, want %q", k, vals.Get(k), want)
		}
	}
}

func TestSelectSendsRangeAndFilters(t *testing.T) {
	var gotRange, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]Row{{"id": "R1"}})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	rows, err := c.Select(context.Background(), "tasks",
		[]Filter{{Path: "user_id", Op: OpEq, Value: "U1"}}, 0, 999)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "R1" {
		t.Errorf("unexpected rows: %v", rows)
	}
	if gotRange != "0-999" {
		t.Errorf("Range header = %q, want 0-999", gotRange)
	}
	if !strings.Contains(gotQuery, "user_id=eq.U1") {
		t.Errorf("query %q missing scope filter", gotQuery)
	}
}

func TestSelectByPK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "eq.R1" {
			_ = json.NewEncoder(w).Encode([]Row{{"id": "R1", "title": "A"}})
			return
		}
		_ = json.NewEncoder(w).Encode([]Row{})
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL})

	row, err := c.SelectByPK(context.Background(), "tasks", "id", "R1")
	if err != nil {
		t.Fatalf("SelectByPK failed: %v", err)
	}
	if row == nil || row["title"] != "A" {
		t.Errorf("unexpected row: %v", row)
	}

	row, err = c.SelectByPK(context.Background(), "tasks", "id", "R2")
	if err != nil {
		t.Fatalf("SelectByPK failed: %v", err)
	}
	if row != nil {
		t.Errorf("expected nil for missing pk, got %v", row)
	}
}

func TestUpdateReturnsRepresentation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		if r.Header.Get("Prefer") != "return=representation" {
			t.Errorf("Prefer header = %q", r.Header.Get("Prefer"))
		}
		body, _ := io.ReadAll(r.Body)
		var payload Row
		_ = json.Unmarshal(body, &payload)
		payload["id"] = "R1"
		payload["updated_at"] = "2025-01-01T00:00:02Z"
		_ = json.NewEncoder(w).Encode([]Row{payload})
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL})

	rows, err := c.Update(context.Background(), "tasks", "id", "R1", Row{"title": "B"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["title"] != "B" {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestInsertHandlesObjectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		// Some deployments return a bare object rather than an array.
		_ = json.NewEncoder(w).Encode(Row{"id": "R9", "title": "new"})
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL})

	rows, err := c.Insert(context.Background(), "tasks", Row{"title": "new"})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "R9" {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"permission denied"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL})

	if _, err := c.Select(context.Background(), "tasks", nil, 0, 10); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		var req subscribeRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			t.Errorf("read subscribe failed: %v", err)
			return
		}
		if req.Table != "tasks" || req.Filter == nil || req.Filter.Value != "U1" {
			t.Errorf("unexpected subscribe request: %+v", req)
		}

		ev := realtimeEvent{Type: "UPDATE", Table: "tasks", Record: json.RawMessage(`{"id":"R1"}`)}
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			return
		}
		// Hold the connection open until the client unsubscribes.
		var discard any
		_ = wsjson.Read(ctx, conn, &discard)
	}))
	defer srv.Close()

	c, _ := NewClient(Config{
		BaseURL:     srv.URL,
		RealtimeURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})

	got := make(chan Change, 1)
	sub, err := c.Subscribe(context.Background(), "tasks",
		&Filter{Path: "user_id", Op: OpEq, Value: "U1"},
		func(ch Change) { got <- ch })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	select {
	case ch := <-got:
		if ch.Type != ChangeUpdate || ch.Table != "tasks" || ch.Row["id"] != "R1" {
			t.Errorf("unexpected change: %+v", ch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for realtime change")
	}

	if err := sub.Close(); err != nil {
		t.Logf("close after double-close: %v", err)
	}
}
