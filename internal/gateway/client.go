package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds REST client configuration.
type Config struct {
	// BaseURL is the REST root, e.g. "https://api.example.com/rest/v1".
	BaseURL string

	// RealtimeURL is the websocket endpoint for change streams. Derived
	// from BaseURL when empty (http -> ws, path /realtime).
	RealtimeURL string

	// APIKey is sent as the "apikey" header when non-empty.
	APIKey string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Logger for request failures. Defaults to silent.
	Logger *log.Logger
}

// Client is the REST implementation of Gateway.
type Client struct {
	baseURL     string
	realtimeURL string
	apiKey      string
	http        *http.Client
	logger      *log.Logger
}

// NewClient builds a client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	rt := cfg.RealtimeURL
	if rt == "" {
		rt = deriveRealtimeURL(base)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Client{
		baseURL:     base,
		realtimeURL: rt,
		apiKey:      cfg.APIKey,
		http:        hc,
		logger:      logger,
	}, nil
}

func deriveRealtimeURL(base string) string {
	rt := base
	switch {
	case strings.HasPrefix(rt, "https://"):
		rt = "wss://" + strings.TrimPrefix(rt, "https://")
	case strings.HasPrefix(rt, "http://"):
		rt = "ws://" + strings.TrimPrefix(rt, "http://")
	}
	return rt + "/realtime"
}

// RenderPath renders a dotted path in the gateway's JSON column syntax:
// "a.b" becomes "a->>b", "a.b.c" becomes "a->b->>c". Flat names pass
// through. This is the only place that syntax leaks into the codebase.
func RenderPath(path string) string {
	segs := strings.Split(path, ".")
	if len(segs) == 1 {
		return path
	}
	out := segs[0]
	for i, seg := range segs[1:] {
		if i == len(segs)-2 {
			out += "->>" + seg
		} else {
			out += "->" + seg
		}
	}
	return out
}

// renderFilterValue renders a filter value for the query string.
func renderFilterValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func encodeFilters(filters []Filter) string {
	vals := url.Values{}
	for _, f := range filters {
		vals.Add(RenderPath(f.Path), string(f.Op)+"."+renderFilterValue(f.Value))
	}
	return vals.Encode()
}

func (c *Client) newRequest(ctx context.Context, method, table, query string, body any) (*http.Request, error) {
	u := c.baseURL + "/" + url.PathEscape(table)
	if query != "" {
		u += "?" + query
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) doRows(req *http.Request) ([]Row, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Printf("%s %s -> %d: %s", req.Method, req.URL.Path, resp.StatusCode, truncate(data, 200))
		return nil, fmt.Errorf("remote returned %d for %s %s", resp.StatusCode, req.Method, req.URL.Path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	// Writes may return a single object instead of an array.
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("failed to decode response row: %w", err)
		}
		return []Row{row}, nil
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode response rows: %w", err)
	}
	return rows, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Select implements Gateway.
func (c *Client) Select(ctx context.Context, table string, filters []Filter, from, to int) ([]Row, error) {
	req, err := c.newRequest(ctx, http.MethodGet, table, encodeFilters(filters), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range-Unit", "items")
	req.Header.Set("Range", fmt.Sprintf("%d-%d", from, to))

	rows, err := c.doRows(req)
	if err != nil {
		return nil, fmt.Errorf("select from %s failed: %w", table, err)
	}
	return rows, nil
}

// SelectByPK implements Gateway.
func (c *Client) SelectByPK(ctx context.Context, table, pkField string, pk any) (Row, error) {
	rows, err := c.Select(ctx, table, []Filter{{Path: pkField, Op: OpEq, Value: pk}}, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Update implements Gateway.
func (c *Client) Update(ctx context.Context, table, pkField string, pk any, payload Row) ([]Row, error) {
	query := encodeFilters([]Filter{{Path: pkField, Op: OpEq, Value: pk}})
	req, err := c.newRequest(ctx, http.MethodPatch, table, query, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")

	rows, err := c.doRows(req)
	if err != nil {
		return nil, fmt.Errorf("update of %s failed: %w", table, err)
	}
	return rows, nil
}

// Insert implements Gateway.
func (c *Client) Insert(ctx context.Context, table string, payload Row) ([]Row, error) {
	req, err := c.newRequest(ctx, http.MethodPost, table, "", payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")

	rows, err := c.doRows(req)
	if err != nil {
		return nil, fmt.Errorf("insert into %s failed: %w", table, err)
	}
	return rows, nil
}
