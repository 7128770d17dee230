// Package coordinator orchestrates all registered tables into atomic sync
// cycles.
//
// One cycle pulls every table, applies the aggregate patch through the local
// store's sync primitive under suppression, then pushes each table's dirty
// delta with that table's realtime subscription paused. Overlapping SyncNow
// calls coalesce into a shared completion; changes that arrive mid-cycle
// schedule a compensation cycle so the engine always settles quiescent.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/morphicai/driftsync/internal/clock"
	"github.com/morphicai/driftsync/internal/descriptor"
	"github.com/morphicai/driftsync/internal/engine"
	"github.com/morphicai/driftsync/internal/events"
	"github.com/morphicai/driftsync/internal/gateway"
	"github.com/morphicai/driftsync/internal/guard"
	"github.com/morphicai/driftsync/internal/localdb"
)

// DefaultDebounce is the quiet period before a change-triggered cycle.
const DefaultDebounce = 3000 * time.Millisecond

// Config holds coordinator configuration.
type Config struct {
	// Debounce is the auto-sync quiet period. Defaults to DefaultDebounce.
	Debounce time.Duration

	// Clock stamps cycle starts. Production deployments should supply a
	// server-time-backed provider to avoid client clock skew.
	Clock clock.Clock

	// Logger defaults to silent.
	Logger *log.Logger

	// DefaultContext applies to every cycle unless a SyncNow call
	// overrides it.
	DefaultContext descriptor.Context

	// PageSize overrides the engines' pull page size.
	PageSize int
}

// State is the coordinator's observable condition.
type State struct {
	Running          bool
	InProgress       []string
	LastSyncAt       time.Time
	RegisteredTables []string
	Errors           int
}

// Coordinator drives the sync engines of all registered tables.
type Coordinator struct {
	db      localdb.Database
	gw      gateway.Gateway
	guard   *guard.Guard
	emitter *events.Emitter
	clock   clock.Clock
	logger  *log.Logger

	descs      []*descriptor.Descriptor
	engines    map[string]*engine.Engine
	defaultCtx descriptor.Context

	mu         sync.Mutex
	syncing    bool
	pending    bool
	waiters    []chan error
	inProgress map[string]bool
	lastSyncAt time.Time
	errors     int

	auto *autoSync
	subs *subMux
}

// New builds a coordinator over the given store, gateway and descriptors.
// Descriptors are validated here and immutable afterwards.
func New(db localdb.Database, gw gateway.Gateway, descs []*descriptor.Descriptor, cfg *Config) (*Coordinator, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("coordinator: at least one descriptor is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	g := &guard.Guard{}
	c := &Coordinator{
		db:         db,
		gw:         gw,
		guard:      g,
		emitter:    events.New(logger),
		clock:      clk,
		logger:     logger,
		descs:      descs,
		engines:    make(map[string]*engine.Engine, len(descs)),
		defaultCtx: cfg.DefaultContext,
		inProgress: make(map[string]bool),
	}

	for _, d := range descs {
		if _, dup := c.engines[d.LocalTable]; dup {
			return nil, fmt.Errorf("coordinator: table %s registered twice", d.LocalTable)
		}
		eng, err := engine.New(d, db, gw, g, &engine.Config{
			PageSize: cfg.PageSize,
			Clock:    clk,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		c.engines[d.LocalTable] = eng
	}

	c.auto = newAutoSync(debounce, func() {
		if err := c.SyncNow(context.Background(), nil); err != nil {
			c.logger.Printf("auto-sync cycle failed: %v", err)
		}
	})
	c.subs = newSubMux(gw, logger, c.onRemoteChange)

	return c, nil
}

// Guard exposes the reentrancy guard. Diagnostic only.
func (c *Coordinator) Guard() *guard.Guard { return c.guard }

// On subscribes fn to events of type t.
func (c *Coordinator) On(t events.Type, fn events.Listener) (cancel func()) {
	return c.emitter.Subscribe(t, fn)
}

// Start enables auto-sync: local change notifications begin scheduling
// debounced cycles. Idempotent.
func (c *Coordinator) Start() {
	tables := make([]string, 0, len(c.descs))
	for _, d := range c.descs {
		tables = append(tables, d.LocalTable)
	}

	c.mu.Lock()
	if c.auto.active() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Suppression levels left over from before anyone was observing have
	// no notification to consume them.
	c.guard.Reset()
	c.auto.subscribe(c.db, tables, c.onLocalChange)
	c.emitState()
}

// Stop disables auto-sync, tears down realtime subscriptions and clears the
// debounce timer. An in-flight cycle is not interrupted; it runs to
// completion and no further cycles are scheduled.
func (c *Coordinator) Stop() {
	c.auto.close()
	c.subs.disable()
	c.emitState()
}

// EnableRemoteSubscriptions opens a realtime change stream per table,
// filtered by scope when configured. Opt-in and independent of auto-sync.
func (c *Coordinator) EnableRemoteSubscriptions(ctx context.Context) error {
	sctx := c.defaultCtx
	if err := c.subs.enable(ctx, c.descs, sctx); err != nil {
		return err
	}
	c.emitState()
	return nil
}

// DisableRemoteSubscriptions closes all realtime streams.
func (c *Coordinator) DisableRemoteSubscriptions() {
	c.subs.disable()
	c.emitState()
}

// State snapshots the coordinator's observable condition.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Coordinator) stateLocked() State {
	labels := make([]string, 0, len(c.inProgress))
	for l := range c.inProgress {
		labels = append(labels, l)
	}
	tables := make([]string, 0, len(c.descs))
	for _, d := range c.descs {
		tables = append(tables, d.LocalTable)
	}
	return State{
		Running:          c.syncing,
		InProgress:       labels,
		LastSyncAt:       c.lastSyncAt,
		RegisteredTables: tables,
		Errors:           c.errors,
	}
}

func (c *Coordinator) emitState() {
	c.mu.Lock()
	st := c.stateLocked()
	c.mu.Unlock()
	c.emitter.Emit(events.Event{Type: events.State, Detail: st})
}

// onLocalChange is the auto-sync observer: one call per atomic write batch.
func (c *Coordinator) onLocalChange() {
	if !c.guard.CheckAndDecrement() {
		return
	}

	c.mu.Lock()
	if c.syncing {
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.auto.trigger()
}

// onRemoteChange handles realtime gateway events: same debounced path as a
// local change, no suppression involved (self-induced events are avoided by
// pausing the table's subscription around its push).
func (c *Coordinator) onRemoteChange(table string, ch gateway.Change) {
	c.emitter.Emit(events.Event{Type: events.RemoteChanged, Label: table, Detail: ch})

	c.mu.Lock()
	if c.syncing {
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.auto.trigger()
}

// SyncNow runs a cycle, or joins the one already running. When joining, the
// running cycle is asked for a compensation pass so changes the caller just
// made are not missed. The returned error is the first failure of the cycle
// that served the caller.
func (c *Coordinator) SyncNow(ctx context.Context, over *descriptor.Context) error {
	c.mu.Lock()
	if c.syncing {
		ch := make(chan error, 1)
		c.waiters = append(c.waiters, ch)
		c.pending = true
		c.mu.Unlock()

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.syncing = true
	c.mu.Unlock()
	c.emitState()

	return c.runCycles(ctx, c.defaultCtx.Merge(over))
}

// runCycles runs the current cycle plus compensation cycles until quiescent,
// draining waiters after every completed cycle.
func (c *Coordinator) runCycles(ctx context.Context, sctx descriptor.Context) error {
	for {
		err := c.runCycle(ctx, sctx)

		c.mu.Lock()
		waiters := c.waiters
		c.waiters = nil
		if err != nil {
			c.errors++
			c.pending = false
			c.syncing = false
			c.mu.Unlock()

			c.emitter.Emit(events.Event{Type: events.Error, Detail: err})
			c.emitState()
			for _, w := range waiters {
				w <- err
			}
			return err
		}
		c.lastSyncAt = c.clock.Now()
		if c.pending {
			c.pending = false
			c.mu.Unlock()

			for _, w := range waiters {
				w <- nil
			}
			continue
		}
		c.syncing = false
		c.mu.Unlock()

		c.emitState()
		for _, w := range waiters {
			w <- nil
		}
		return nil
	}
}

// runCycle performs one Pull-all then Push-all pass.
func (c *Coordinator) runCycle(ctx context.Context, sctx descriptor.Context) error {
	// Captured before any page is fetched: rows written during the pull
	// are redelivered next cycle rather than lost.
	cycleStart := c.clock.Now().UnixMilli()

	var deltas map[string]localdb.Delta
	err := c.guard.RunSuppressed(func() error {
		var err error
		deltas, err = c.db.Sync(ctx, func(lastPulledAt int64) (localdb.Patch, error) {
			return c.pullAll(ctx, lastPulledAt, sctx)
		}, cycleStart)
		return err
	})
	if err != nil {
		// A failed sync never committed, so no change notification will
		// arrive to consume the suppression level it raised.
		c.guard.CheckAndDecrement()
		return err
	}

	return c.pushAll(ctx, deltas, sctx)
}

// pullAll fetches every table's remote delta. The first failure aborts the
// whole cycle: a partial patch is no longer consistent.
func (c *Coordinator) pullAll(ctx context.Context, lastPulledAt int64, sctx descriptor.Context) (localdb.Patch, error) {
	patch := localdb.Patch{}
	for _, d := range c.descs {
		label := d.DisplayLabel()
		c.markInProgress(label, true)

		res, err := c.engines[d.LocalTable].Pull(ctx, lastPulledAt, sctx)
		if err != nil {
			c.markInProgress(label, false)
			return nil, fmt.Errorf("pull of %s failed: %w", label, err)
		}

		patch[d.LocalTable] = res.Delta()
		c.emitter.Emit(events.Event{Type: events.Pulled, Label: label, Detail: res})
		c.markInProgress(label, false)
	}
	return patch, nil
}

// pushAll reconciles every table's dirty delta. A failure aborts the
// remaining tables of the phase; the failing table's subscription is still
// restored.
func (c *Coordinator) pushAll(ctx context.Context, deltas map[string]localdb.Delta, sctx descriptor.Context) error {
	for _, d := range c.descs {
		delta := deltas[d.LocalTable]
		if delta.Empty() {
			continue
		}
		label := d.DisplayLabel()
		c.markInProgress(label, true)

		res, err := c.pushTable(ctx, d, delta, sctx)
		c.markInProgress(label, false)
		if err != nil {
			return fmt.Errorf("push of %s failed: %w", label, err)
		}

		c.emitter.Emit(events.Event{Type: events.Pushed, Label: label, Detail: res})
		for _, conflict := range res.Conflicts {
			c.emitter.Emit(events.Event{Type: events.Conflict, Label: label, Detail: conflict})
		}
	}
	return nil
}

// pushTable brackets one table's push with its subscription paused, so the
// gateway's echo of our own writes never comes back as a remote change.
func (c *Coordinator) pushTable(ctx context.Context, d *descriptor.Descriptor, delta localdb.Delta, sctx descriptor.Context) (res *engine.PushResult, err error) {
	paused := c.subs.pause(d.LocalTable)
	if paused {
		defer func() {
			if rerr := c.subs.resume(ctx, d, sctx); rerr != nil {
				c.logger.Printf("failed to resume subscription for %s: %v", d.LocalTable, rerr)
			}
		}()
	}
	return c.engines[d.LocalTable].Push(ctx, delta, sctx)
}

func (c *Coordinator) markInProgress(label string, on bool) {
	c.mu.Lock()
	if on {
		c.inProgress[label] = true
	} else {
		delete(c.inProgress, label)
	}
	c.mu.Unlock()
	c.emitState()
}
