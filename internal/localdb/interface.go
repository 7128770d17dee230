// Package localdb provides the reactive local store consumed by the sync
// engine, backed by embedded SQLite (WAL mode) for concurrent reads.
//
// The store keeps one row per logical record together with a dirty status
// (created, updated, synced) and a tombstone snapshot for deleted records,
// so a later push can still read the remote id of a row that no longer
// exists. Change observers receive exactly one notification per atomic
// write batch; the sync primitive counts as one batch across all tables.
package localdb

import "context"

// Record is one loosely-typed row. Every live record carries a stable "id"
// string; all other fields are opaque to the store.
type Record = map[string]any

// Delta lists the local mutations of one table since it was last clean.
type Delta struct {
	Created []Record
	Updated []Record
	Deleted []string
}

// Empty reports whether the delta carries no mutations.
func (d Delta) Empty() bool {
	return len(d.Created) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// Patch holds per-table deltas produced by a pull, ready for atomic
// application.
type Patch map[string]Delta

// PullFunc fetches the remote delta for every registered table.
// lastPulledAt is the previously recorded watermark in milliseconds, 0 on
// first sync.
type PullFunc func(lastPulledAt int64) (Patch, error)

// Database is the narrow interface the sync engine consumes. *Store is the
// reference implementation; tests may substitute their own.
type Database interface {
	// Observe registers fn to run once per atomic write batch that touches
	// any of tables. Registering replaces nothing and the returned cancel
	// is idempotent.
	Observe(tables []string, fn func()) (cancel func())

	// AtomicWrite runs fn inside one exclusive write scope. All mutations
	// made through the transaction are observed as a single change event.
	AtomicWrite(ctx context.Context, fn func(tx WriteTx) error) error

	// FindByField returns the sole live record whose field equals value,
	// or nil when none matches.
	FindByField(ctx context.Context, table, field string, value any) (Record, error)

	// Query returns all live records of table matching every equality
	// filter. An empty filter map returns the whole table.
	Query(ctx context.Context, table string, filters map[string]any) ([]Record, error)

	// FindByID returns the live record with the given id, or nil.
	FindByID(ctx context.Context, table, id string) (Record, error)

	// FindTombstone returns the snapshot of a deleted record, or nil.
	FindTombstone(ctx context.Context, table, id string) (Record, error)

	// Sync runs one sync transaction: it supplies the stored watermark to
	// pull, applies the returned patch atomically as clean rows, records
	// newLastPulledAt, and reports the dirty state left for the push phase.
	Sync(ctx context.Context, pull PullFunc, newLastPulledAt int64) (map[string]Delta, error)
}

// WriteTx is the mutation surface available inside AtomicWrite.
//
// Create, Update and Delete mark rows dirty the way user writes do.
// MarkSynced and ClearTombstone are the sync engine's write-back hooks:
// they mutate without dirtying, so a push does not schedule another push.
type WriteTx interface {
	// Create inserts a record and returns its id. A missing "id" field is
	// assigned a generated one.
	Create(table string, rec Record) (string, error)

	// Update merges fields into an existing record.
	Update(table, id string, fields Record) error

	// Delete removes a record. Rows that were never synced vanish
	// outright; synced rows leave a tombstone snapshot behind for the
	// push phase.
	Delete(table, id string) error

	// MarkSynced merges fields and clears the record's dirty status.
	MarkSynced(table, id string, fields Record) error

	// ClearTombstone drops the tombstone left by Delete.
	ClearTombstone(table, id string) error
}
