package engine

import (
	"context"
	"fmt"

	"github.com/morphicai/driftsync/internal/descriptor"
	"github.com/morphicai/driftsync/internal/gateway"
	"github.com/morphicai/driftsync/internal/guard"
	"github.com/morphicai/driftsync/internal/localdb"
	"github.com/morphicai/driftsync/internal/record"
)

// accessor resolves local records for one descriptor: lookups by remote id,
// the lazily built unique-key index, and suppressed writes.
type accessor struct {
	desc  *descriptor.Descriptor
	db    localdb.Database
	guard *guard.Guard
}

// lookupByRemoteID returns the sole live record whose remote-id field holds
// remoteID, trying both name spellings of the field.
func (a *accessor) lookupByRemoteID(ctx context.Context, remoteID string) (localdb.Record, error) {
	field := a.desc.Keys.LocalRemoteIDField
	rec, err := a.db.FindByField(ctx, a.desc.LocalTable, field, remoteID)
	if err != nil || rec != nil {
		return rec, err
	}
	for _, alt := range []string{record.ToCamel(field), record.ToSnake(field)} {
		if alt == field {
			continue
		}
		rec, err = a.db.FindByField(ctx, a.desc.LocalTable, alt, remoteID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	return nil, nil
}

// buildUniqueIndex maps the serialized unique key of every live local row to
// its record. Soft-deleted rows are skipped; a missing key path or a
// duplicate key aborts the build.
func (a *accessor) buildUniqueIndex(ctx context.Context, sctx descriptor.Context) (map[string]localdb.Record, error) {
	filters := map[string]any{}
	if a.desc.Scope != nil && sctx.UserID != "" {
		filters[a.desc.Scope.UserField] = sctx.UserID
	}

	rows, err := a.db.Query(ctx, a.desc.LocalTable, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for unique index: %w", a.desc.LocalTable, err)
	}

	soft := a.desc.SoftDeleteKey()
	index := make(map[string]localdb.Record, len(rows))
	for _, row := range rows {
		if record.Deleted(row, soft) {
			continue
		}
		key, err := a.localKey(row)
		if err != nil {
			return nil, err
		}
		if _, dup := index[key]; dup {
			return nil, &DuplicateKeyError{Table: a.desc.LocalTable, Key: key}
		}
		index[key] = row
	}
	return index, nil
}

// localKey serializes a local record's composite unique key. Every
// configured path must resolve.
func (a *accessor) localKey(rec localdb.Record) (string, error) {
	vals := make([]any, 0, len(a.desc.Keys.UniqueKeys))
	for _, uk := range a.desc.Keys.UniqueKeys {
		v, ok := record.ExtractPath(rec, uk.LocalPath)
		if !ok {
			id, _ := rec["id"].(string)
			return "", &MissingPathError{Table: a.desc.LocalTable, Path: uk.LocalPath, RecordID: id}
		}
		vals = append(vals, v)
	}
	return record.SerializeKey(vals), nil
}

// remoteKey serializes a remote row's composite unique key. Missing paths
// serialize as null; the remote side is not required to be total.
func (a *accessor) remoteKey(row gateway.Row) string {
	vals := make([]any, 0, len(a.desc.Keys.UniqueKeys))
	for _, uk := range a.desc.Keys.UniqueKeys {
		v, _ := record.ExtractPath(row, uk.RemotePath)
		vals = append(vals, v)
	}
	return record.SerializeKey(vals)
}

// suppressedWrite routes a write batch through the reentrancy guard so its
// change notification is dropped by the coordinator's observer.
func (a *accessor) suppressedWrite(ctx context.Context, fn func(tx localdb.WriteTx) error) error {
	err := a.guard.RunSuppressed(func() error {
		return a.db.AtomicWrite(ctx, fn)
	})
	if err != nil {
		// Nothing committed, so no notification will consume the level.
		a.guard.CheckAndDecrement()
	}
	return err
}
