package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when an update targets a record that does not
// exist.
var ErrNotFound = errors.New("localdb: record not found")

// Row dirty states. Synced rows are invisible to the push phase.
const (
	statusCreated = "created"
	statusUpdated = "updated"
	statusSynced  = "synced"
)

// Config holds store configuration.
type Config struct {
	// Logger for store activity. Defaults to silent.
	Logger *log.Logger

	// BusyTimeout is the SQLite busy timeout. Defaults to 5s.
	BusyTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger:      log.New(io.Discard, "", 0),
		BusyTimeout: 5 * time.Second,
	}
}

// Store is the embedded-SQLite implementation of Database.
//
// Writes are serialized by a mutex on top of SQLite's own locking; reads run
// concurrently under WAL mode.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	writeMu sync.Mutex

	obsMu     sync.Mutex
	obsSeq    int
	observers map[int]*observer
}

type observer struct {
	tables map[string]bool
	fn     func()
}

// Open creates or opens a store at path. The caller must Close it.
func Open(path string, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{
		conn:      conn,
		path:      path,
		logger:    cfg.Logger,
		observers: make(map[int]*observer),
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds())); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS records (
	tbl    TEXT NOT NULL,
	id     TEXT NOT NULL,
	data   TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'created',
	PRIMARY KEY (tbl, id)
);
CREATE INDEX IF NOT EXISTS idx_records_dirty ON records(tbl, status);

CREATE TABLE IF NOT EXISTS tombstones (
	tbl  TEXT NOT NULL,
	id   TEXT NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (tbl, id)
);

CREATE TABLE IF NOT EXISTS sync_state (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	last_pulled_at INTEGER NOT NULL
);`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return nil
}

// Observe implements Database.
func (s *Store) Observe(tables []string, fn func()) (cancel func()) {
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}

	s.obsMu.Lock()
	s.obsSeq++
	id := s.obsSeq
	s.observers[id] = &observer{tables: set, fn: fn}
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// notify runs each interested observer once for a committed write batch.
func (s *Store) notify(touched map[string]bool, all bool) {
	s.obsMu.Lock()
	var fns []func()
	for _, o := range s.observers {
		if all || intersects(o.tables, touched) {
			fns = append(fns, o.fn)
		}
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func intersects(a, b map[string]bool) bool {
	for t := range b {
		if a[t] {
			return true
		}
	}
	return false
}

// AtomicWrite implements Database.
func (s *Store) AtomicWrite(ctx context.Context, fn func(tx WriteTx) error) error {
	return s.atomicWrite(ctx, false, func(tx *writeTx) error { return fn(tx) })
}

func (s *Store) atomicWrite(ctx context.Context, touchAll bool, fn func(tx *writeTx) error) error {
	s.writeMu.Lock()
	w := &writeTx{ctx: ctx, touched: make(map[string]bool)}
	err := func() error {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin write: %w", err)
		}
		w.tx = tx
		if err := fn(w); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit write: %w", err)
		}
		return nil
	}()
	s.writeMu.Unlock()

	if err != nil {
		return err
	}
	// Observers run outside the write lock so a handler may immediately
	// issue its own writes.
	if touchAll || len(w.touched) > 0 {
		s.notify(w.touched, touchAll)
	}
	return nil
}

// FindByField implements Database.
func (s *Store) FindByField(ctx context.Context, table, field string, value any) (Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT data FROM records WHERE tbl = ? AND json_extract(data, ?) = ?`,
		table, jsonPath(field), bindValue(value))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", table, field, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var data string
	if err := rows.Scan(&data); err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	return decodeRecord(data)
}

// Query implements Database.
func (s *Store) Query(ctx context.Context, table string, filters map[string]any) ([]Record, error) {
	q := `SELECT data FROM records WHERE tbl = ?`
	args := []any{table}
	for field, value := range filters {
		q += ` AND json_extract(data, ?) = ?`
		args = append(args, jsonPath(field), bindValue(value))
	}
	q += ` ORDER BY id`

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindByID implements Database.
func (s *Store) FindByID(ctx context.Context, table, id string) (Record, error) {
	var data string
	err := s.conn.QueryRowContext(ctx,
		`SELECT data FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s/%s: %w", table, id, err)
	}
	return decodeRecord(data)
}

// FindTombstone implements Database.
func (s *Store) FindTombstone(ctx context.Context, table, id string) (Record, error) {
	var data string
	err := s.conn.QueryRowContext(ctx,
		`SELECT data FROM tombstones WHERE tbl = ? AND id = ?`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tombstone %s/%s: %w", table, id, err)
	}
	return decodeRecord(data)
}

// LastPulledAt returns the stored watermark in milliseconds, 0 when no sync
// has completed yet.
func (s *Store) LastPulledAt(ctx context.Context) (int64, error) {
	var ms int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_pulled_at FROM sync_state WHERE id = 1`).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sync state: %w", err)
	}
	return ms, nil
}

// PendingChanges counts dirty records and tombstones per table.
func (s *Store) PendingChanges(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT tbl, COUNT(*) FROM records WHERE status != ? GROUP BY tbl`, statusSynced)
	if err != nil {
		return nil, fmt.Errorf("failed to count dirty records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tbl string
		var n int
		if err := rows.Scan(&tbl, &n); err != nil {
			return nil, err
		}
		out[tbl] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trows, err := s.conn.QueryContext(ctx,
		`SELECT tbl, COUNT(*) FROM tombstones GROUP BY tbl`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tombstones: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		var tbl string
		var n int
		if err := trows.Scan(&tbl, &n); err != nil {
			return nil, err
		}
		out[tbl] += n
	}
	return out, trows.Err()
}

// Sync implements Database.
//
// The watermark handed to pull is the one recorded by the previous Sync;
// newLastPulledAt must be the instant captured before any page was fetched,
// so rows written during the pull are redelivered next cycle instead of
// lost. The whole apply runs as one atomic write and counts as one change
// event for every observer.
func (s *Store) Sync(ctx context.Context, pull PullFunc, newLastPulledAt int64) (map[string]Delta, error) {
	last, err := s.LastPulledAt(ctx)
	if err != nil {
		return nil, err
	}

	patch, err := pull(last)
	if err != nil {
		return nil, err
	}

	var deltas map[string]Delta
	err = s.atomicWrite(ctx, true, func(tx *writeTx) error {
		if err := tx.applyPatch(patch); err != nil {
			return err
		}
		if _, err := tx.tx.ExecContext(ctx, `
INSERT INTO sync_state (id, last_pulled_at) VALUES (1, ?)
ON CONFLICT (id) DO UPDATE SET last_pulled_at = excluded.last_pulled_at`,
			newLastPulledAt); err != nil {
			return fmt.Errorf("failed to record sync watermark: %w", err)
		}
		deltas, err = tx.collectDeltas()
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("sync applied %d table patches, watermark now %d", len(patch), newLastPulledAt)
	return deltas, nil
}

// writeTx implements WriteTx on one SQL transaction.
type writeTx struct {
	ctx     context.Context
	tx      *sql.Tx
	touched map[string]bool
}

func (w *writeTx) load(table, id string) (Record, string, error) {
	var data, status string
	err := w.tx.QueryRowContext(w.ctx,
		`SELECT data, status FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&data, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load record %s/%s: %w", table, id, err)
	}
	rec, err := decodeRecord(data)
	return rec, status, err
}

func (w *writeTx) save(table, id string, rec Record, status string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s/%s: %w", table, id, err)
	}
	if _, err := w.tx.ExecContext(w.ctx, `
INSERT INTO records (tbl, id, data, status) VALUES (?, ?, ?, ?)
ON CONFLICT (tbl, id) DO UPDATE SET data = excluded.data, status = excluded.status`,
		table, id, string(data), status); err != nil {
		return fmt.Errorf("failed to save record %s/%s: %w", table, id, err)
	}
	w.touched[table] = true
	return nil
}

// Create implements WriteTx.
func (w *writeTx) Create(table string, rec Record) (string, error) {
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	cp := cloneRecord(rec)
	cp["id"] = id

	existing, _, err := w.load(table, id)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", fmt.Errorf("record %s/%s already exists", table, id)
	}
	return id, w.save(table, id, cp, statusCreated)
}

// Update implements WriteTx.
func (w *writeTx) Update(table, id string, fields Record) error {
	rec, status, err := w.load(table, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("update %s/%s: %w", table, id, ErrNotFound)
	}
	for k, v := range fields {
		rec[k] = v
	}
	// A never-synced row stays in created state so push still inserts it.
	if status != statusCreated {
		status = statusUpdated
	}
	return w.save(table, id, rec, status)
}

// Delete implements WriteTx.
func (w *writeTx) Delete(table, id string) error {
	rec, status, err := w.load(table, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	// Rows that never reached the remote need no tombstone.
	if status != statusCreated {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode tombstone %s/%s: %w", table, id, err)
		}
		if _, err := w.tx.ExecContext(w.ctx, `
INSERT INTO tombstones (tbl, id, data) VALUES (?, ?, ?)
ON CONFLICT (tbl, id) DO UPDATE SET data = excluded.data`,
			table, id, string(data)); err != nil {
			return fmt.Errorf("failed to save tombstone %s/%s: %w", table, id, err)
		}
	}
	if _, err := w.tx.ExecContext(w.ctx,
		`DELETE FROM records WHERE tbl = ? AND id = ?`, table, id); err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", table, id, err)
	}
	w.touched[table] = true
	return nil
}

// MarkSynced implements WriteTx.
func (w *writeTx) MarkSynced(table, id string, fields Record) error {
	rec, _, err := w.load(table, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	for k, v := range fields {
		rec[k] = v
	}
	return w.save(table, id, rec, statusSynced)
}

// ClearTombstone implements WriteTx.
func (w *writeTx) ClearTombstone(table, id string) error {
	if _, err := w.tx.ExecContext(w.ctx,
		`DELETE FROM tombstones WHERE tbl = ? AND id = ?`, table, id); err != nil {
		return fmt.Errorf("failed to clear tombstone %s/%s: %w", table, id, err)
	}
	w.touched[table] = true
	return nil
}

// applyPatch writes a pull result as clean rows: remote state is by
// definition in sync the moment it lands.
func (w *writeTx) applyPatch(patch Patch) error {
	for table, delta := range patch {
		for _, rec := range delta.Created {
			id, _ := rec["id"].(string)
			if id == "" {
				return fmt.Errorf("patch for %s: created record without id", table)
			}
			if err := w.save(table, id, cloneRecord(rec), statusSynced); err != nil {
				return err
			}
		}
		for _, rec := range delta.Updated {
			id, _ := rec["id"].(string)
			if id == "" {
				return fmt.Errorf("patch for %s: updated record without id", table)
			}
			cur, _, err := w.load(table, id)
			if err != nil {
				return err
			}
			if cur == nil {
				cur = Record{}
			}
			for k, v := range rec {
				cur[k] = v
			}
			if err := w.save(table, id, cur, statusSynced); err != nil {
				return err
			}
		}
		for _, id := range delta.Deleted {
			if _, err := w.tx.ExecContext(w.ctx,
				`DELETE FROM records WHERE tbl = ? AND id = ?`, table, id); err != nil {
				return fmt.Errorf("failed to apply delete %s/%s: %w", table, id, err)
			}
			if _, err := w.tx.ExecContext(w.ctx,
				`DELETE FROM tombstones WHERE tbl = ? AND id = ?`, table, id); err != nil {
				return fmt.Errorf("failed to drop tombstone %s/%s: %w", table, id, err)
			}
			w.touched[table] = true
		}
	}
	return nil
}

// collectDeltas snapshots the dirty state for the push phase.
func (w *writeTx) collectDeltas() (map[string]Delta, error) {
	out := make(map[string]Delta)

	rows, err := w.tx.QueryContext(w.ctx,
		`SELECT tbl, data, status FROM records WHERE status != ? ORDER BY tbl, id`, statusSynced)
	if err != nil {
		return nil, fmt.Errorf("failed to collect dirty records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tbl, data, status string
		if err := rows.Scan(&tbl, &data, &status); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		d := out[tbl]
		if status == statusCreated {
			d.Created = append(d.Created, rec)
		} else {
			d.Updated = append(d.Updated, rec)
		}
		out[tbl] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trows, err := w.tx.QueryContext(w.ctx,
		`SELECT tbl, id FROM tombstones ORDER BY tbl, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to collect tombstones: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		var tbl, id string
		if err := trows.Scan(&tbl, &id); err != nil {
			return nil, err
		}
		d := out[tbl]
		d.Deleted = append(d.Deleted, id)
		out[tbl] = d
	}
	return out, trows.Err()
}

func decodeRecord(data string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}

func cloneRecord(rec Record) Record {
	cp := make(Record, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	return cp
}

// jsonPath renders a field name as a SQLite JSON path.
func jsonPath(field string) string {
	return `$."` + field + `"`
}

// bindValue converts filter values to what json_extract yields.
func bindValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
