package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/morphicai/driftsync/internal/descriptor"
	"github.com/morphicai/driftsync/internal/gateway"
)

// subMux owns the per-table realtime subscriptions. Each table's stream is
// torn down for the duration of that table's push and recreated right
// after, so the gateway's echo of sync's own writes is never delivered.
type subMux struct {
	gw      gateway.Gateway
	logger  *log.Logger
	onEvent func(table string, ch gateway.Change)

	mu      sync.Mutex
	enabled bool
	subs    map[string]gateway.Subscription
}

func newSubMux(gw gateway.Gateway, logger *log.Logger, onEvent func(string, gateway.Change)) *subMux {
	return &subMux{
		gw:      gw,
		logger:  logger,
		onEvent: onEvent,
		subs:    make(map[string]gateway.Subscription),
	}
}

// enable opens one stream per descriptor. A failure closes the already
// opened streams and reports the first error.
func (m *subMux) enable(ctx context.Context, descs []*descriptor.Descriptor, sctx descriptor.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		return nil
	}

	for _, d := range descs {
		sub, err := m.open(ctx, d, sctx)
		if err != nil {
			for table, s := range m.subs {
				_ = s.Close()
				delete(m.subs, table)
			}
			return fmt.Errorf("failed to subscribe to %s: %w", d.RemoteTable, err)
		}
		m.subs[d.LocalTable] = sub
	}
	m.enabled = true
	return nil
}

func (m *subMux) open(ctx context.Context, d *descriptor.Descriptor, sctx descriptor.Context) (gateway.Subscription, error) {
	var filter *gateway.Filter
	if d.Scope != nil && sctx.UserID != "" {
		filter = &gateway.Filter{Path: d.Scope.UserField, Op: gateway.OpEq, Value: sctx.UserID}
	}
	table := d.LocalTable
	return m.gw.Subscribe(ctx, d.RemoteTable, filter, func(ch gateway.Change) {
		m.onEvent(table, ch)
	})
}

// disable closes every stream.
func (m *subMux) disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for table, s := range m.subs {
		if err := s.Close(); err != nil {
			m.logger.Printf("failed to close subscription for %s: %v", table, err)
		}
		delete(m.subs, table)
	}
	m.enabled = false
}

// pause closes one table's stream for the duration of its push. Returns
// whether there was a stream to pause.
func (m *subMux) pause(table string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[table]
	if !ok {
		return false
	}
	if err := sub.Close(); err != nil {
		m.logger.Printf("failed to pause subscription for %s: %v", table, err)
	}
	delete(m.subs, table)
	return m.enabled
}

// resume reopens one table's stream after its push, success or failure.
func (m *subMux) resume(ctx context.Context, d *descriptor.Descriptor, sctx descriptor.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return nil
	}
	sub, err := m.open(ctx, d, sctx)
	if err != nil {
		return err
	}
	m.subs[d.LocalTable] = sub
	return nil
}
