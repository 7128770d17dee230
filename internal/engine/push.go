package engine

import (
	"context"
	"fmt"

	"github.com/morphicai/driftsync/internal/descriptor"
	"github.com/morphicai/driftsync/internal/gateway"
	"github.com/morphicai/driftsync/internal/localdb"
	"github.com/morphicai/driftsync/internal/record"
)

// Conflict describes a push skipped because the remote copy was at least as
// new as the local one. Last-write-wins: the remote side stands, and ties
// break to the remote to avoid symmetric ping-pong between devices.
type Conflict struct {
	LocalID       string
	RemoteID      string
	LocalUpdated  int64
	RemoteUpdated int64
}

// PushResult summarizes one table's push.
type PushResult struct {
	Deleted   int
	Upserted  int
	Skipped   int
	Conflicts []Conflict
}

// Push reconciles one table's local delta to the remote table.
//
// Soft-deletes run before upserts: reversing the order would re-create a row
// under a unique key its soft-deleted predecessor still occupies, producing
// a remote duplicate.
func (e *Engine) Push(ctx context.Context, delta localdb.Delta, sctx descriptor.Context) (*PushResult, error) {
	res := &PushResult{}

	for _, id := range delta.Deleted {
		if err := e.pushDelete(ctx, id, res); err != nil {
			return res, err
		}
	}

	upserts := make([]localdb.Record, 0, len(delta.Created)+len(delta.Updated))
	upserts = append(upserts, delta.Created...)
	upserts = append(upserts, delta.Updated...)
	for _, rec := range upserts {
		id, _ := rec["id"].(string)
		if id == "" {
			return res, fmt.Errorf("local %s delta carries a record without id", e.desc.LocalTable)
		}
		if err := e.pushUpsert(ctx, id, sctx, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// pushDelete propagates one local deletion as a remote soft-delete.
func (e *Engine) pushDelete(ctx context.Context, id string, res *PushResult) error {
	d := e.desc

	rec, err := e.db.FindTombstone(ctx, d.LocalTable, id)
	if err != nil {
		return err
	}
	if rec == nil {
		// Deleted again before this push, or already reconciled.
		if rec, err = e.db.FindByID(ctx, d.LocalTable, id); err != nil {
			return err
		}
	}
	if rec == nil {
		return nil
	}

	remoteID := record.GetString(rec, d.Keys.LocalRemoteIDField)
	if remoteID == "" {
		// Never reached the remote; just retire the tombstone.
		return e.acc.suppressedWrite(ctx, func(tx localdb.WriteTx) error {
			return tx.ClearTombstone(d.LocalTable, id)
		})
	}

	payload := gateway.Row{
		d.SoftDeleteKey():        true,
		d.Timestamps.RemoteField: record.FormatISO(e.clock.Now().UnixMilli()),
	}
	if _, err := e.gw.Update(ctx, d.RemoteTable, d.Keys.RemotePK, remoteID, payload); err != nil {
		return fmt.Errorf("soft-delete of %s/%s failed: %w", d.RemoteTable, remoteID, err)
	}
	res.Deleted++

	return e.acc.suppressedWrite(ctx, func(tx localdb.WriteTx) error {
		return tx.ClearTombstone(d.LocalTable, id)
	})
}

// pushUpsert reconciles one live local record to the remote table.
func (e *Engine) pushUpsert(ctx context.Context, id string, sctx descriptor.Context, res *PushResult) error {
	d := e.desc

	rec, err := e.db.FindByID(ctx, d.LocalTable, id)
	if err != nil {
		return err
	}
	if rec == nil {
		// Deleted between delta collection and now; the tombstone pass of
		// a later cycle will handle it.
		return nil
	}
	if d.ShouldSyncLocal != nil && !d.ShouldSyncLocal(rec, sctx) {
		res.Skipped++
		return nil
	}

	payload, err := d.LocalToRemote(rec, sctx)
	if err != nil {
		return fmt.Errorf("mapping of local %s record %s failed: %w", d.LocalTable, id, err)
	}
	if d.Scope != nil && sctx.UserID != "" {
		if _, ok := payload[d.Scope.UserField]; !ok {
			payload[d.Scope.UserField] = sctx.UserID
		}
	}

	localUpdated := record.Timestamp(rec, d.Timestamps.LocalField)
	oldRemoteID := record.GetString(rec, d.Keys.LocalRemoteIDField)

	remoteID, remoteRow, err := e.resolveTarget(ctx, rec, oldRemoteID, sctx)
	if err != nil {
		return err
	}

	if remoteRow != nil {
		remoteUpdated := record.RemoteMillis(rawField(remoteRow, d.Timestamps.RemoteField))
		if remoteUpdated >= localUpdated {
			// The remote copy is at least as new; it wins. Adopt a newly
			// resolved remote id, but leave a strictly-newer remote row
			// for the next pull to apply.
			res.Skipped++
			res.Conflicts = append(res.Conflicts, Conflict{
				LocalID:       id,
				RemoteID:      remoteID,
				LocalUpdated:  localUpdated,
				RemoteUpdated: remoteUpdated,
			})
			e.logger.Printf("push of %s/%s skipped: remote %d >= local %d", d.LocalTable, id, remoteUpdated, localUpdated)
			return e.settleConflict(ctx, id, oldRemoteID, remoteID, remoteUpdated == localUpdated)
		}

		rows, err := e.gw.Update(ctx, d.RemoteTable, d.Keys.RemotePK, remoteID, payload)
		if err != nil {
			return fmt.Errorf("update of %s/%s failed: %w", d.RemoteTable, remoteID, err)
		}
		if len(rows) > 0 {
			remoteRow = rows[0]
		}
		res.Upserted++
	} else {
		rows, err := e.gw.Insert(ctx, d.RemoteTable, payload)
		if err != nil {
			return fmt.Errorf("insert into %s failed: %w", d.RemoteTable, err)
		}
		if len(rows) == 0 {
			return fmt.Errorf("insert into %s returned no rows", d.RemoteTable)
		}
		remoteRow = rows[0]
		remoteID = record.GetString(remoteRow, d.Keys.RemotePK)
		if remoteID == "" {
			return fmt.Errorf("insert into %s returned no primary key", d.RemoteTable)
		}
		res.Upserted++
	}

	// Write back the assigned id and timestamp, but only when something
	// actually advanced; unconditional write-backs would dirty the row and
	// provoke another cycle.
	newRemoteTS := record.RemoteMillis(rawField(remoteRow, d.Timestamps.RemoteField))
	fields := localdb.Record{}
	if remoteID != oldRemoteID || newRemoteTS > localUpdated {
		fields[d.Keys.LocalRemoteIDField] = remoteID
		if newRemoteTS > 0 {
			fields[d.Timestamps.LocalField] = newRemoteTS
		}
	}
	return e.acc.suppressedWrite(ctx, func(tx localdb.WriteTx) error {
		return tx.MarkSynced(d.LocalTable, id, fields)
	})
}

// resolveTarget finds the remote row this record maps to: by stored remote
// id, else by unique key among live remote rows (of the scoped user, when a
// scope applies). A nil row with empty id means the record needs an insert.
func (e *Engine) resolveTarget(ctx context.Context, rec localdb.Record, oldRemoteID string, sctx descriptor.Context) (string, gateway.Row, error) {
	d := e.desc

	if oldRemoteID != "" {
		row, err := e.gw.SelectByPK(ctx, d.RemoteTable, d.Keys.RemotePK, oldRemoteID)
		if err != nil {
			return "", nil, fmt.Errorf("lookup of %s/%s failed: %w", d.RemoteTable, oldRemoteID, err)
		}
		// A vanished target falls through to an insert.
		if row == nil {
			return "", nil, nil
		}
		return oldRemoteID, row, nil
	}

	if len(d.Keys.UniqueKeys) == 0 {
		return "", nil, nil
	}

	filters := make([]gateway.Filter, 0, len(d.Keys.UniqueKeys)+1)
	for _, uk := range d.Keys.UniqueKeys {
		v, ok := record.ExtractPath(rec, uk.LocalPath)
		if !ok {
			id, _ := rec["id"].(string)
			return "", nil, &MissingPathError{Table: d.LocalTable, Path: uk.LocalPath, RecordID: id}
		}
		filters = append(filters, gateway.Filter{Path: uk.RemotePath, Op: gateway.OpEq, Value: v})
	}
	filters = append(filters, gateway.Filter{Path: d.SoftDeleteKey(), Op: gateway.OpIs, Value: false})
	if d.Scope != nil && sctx.UserID != "" {
		filters = append(filters, gateway.Filter{Path: d.Scope.UserField, Op: gateway.OpEq, Value: sctx.UserID})
	}

	rows, err := e.gw.Select(ctx, d.RemoteTable, filters, 0, 0)
	if err != nil {
		return "", nil, fmt.Errorf("unique-key lookup in %s failed: %w", d.RemoteTable, err)
	}
	if len(rows) == 0 {
		return "", nil, nil
	}
	remoteID := record.GetString(rows[0], d.Keys.RemotePK)
	return remoteID, rows[0], nil
}

// settleConflict records what a skipped push learned. A newly resolved
// remote id is always adopted (the local row must point at its remote
// counterpart). On a timestamp tie the row is marked clean: both sides are
// equally new and neither will yield. When the remote is strictly newer the
// row stays dirty so the next pull overwrites it with the winning copy.
func (e *Engine) settleConflict(ctx context.Context, id, oldRemoteID, remoteID string, tie bool) error {
	d := e.desc

	fields := localdb.Record{}
	if remoteID != "" && remoteID != oldRemoteID {
		fields[d.Keys.LocalRemoteIDField] = remoteID
	}

	if tie {
		return e.acc.suppressedWrite(ctx, func(tx localdb.WriteTx) error {
			return tx.MarkSynced(d.LocalTable, id, fields)
		})
	}
	if len(fields) == 0 {
		return nil
	}
	return e.acc.suppressedWrite(ctx, func(tx localdb.WriteTx) error {
		return tx.Update(d.LocalTable, id, fields)
	})
}
