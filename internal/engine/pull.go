package engine

import (
	"context"
	"fmt"

	"github.com/morphicai/driftsync/internal/descriptor"
	"github.com/morphicai/driftsync/internal/gateway"
	"github.com/morphicai/driftsync/internal/localdb"
	"github.com/morphicai/driftsync/internal/record"
)

// PullResult is the patch one pull produced for its table, ready for atomic
// application by the local store.
type PullResult struct {
	Created []localdb.Record
	Updated []localdb.Record
	Deleted []string

	// MaxRemoteUpdatedAt is the newest remote timestamp seen during the
	// pull. Informational: the watermark advances to the cycle-start
	// instant, never to this value.
	MaxRemoteUpdatedAt int64
}

// Delta converts the result into the store's patch shape.
func (r *PullResult) Delta() localdb.Delta {
	return localdb.Delta{Created: r.Created, Updated: r.Updated, Deleted: r.Deleted}
}

// Empty reports whether the pull produced no mutations.
func (r *PullResult) Empty() bool {
	return len(r.Created) == 0 && len(r.Updated) == 0 && len(r.Deleted) == 0
}

// Pull fetches the remote delta since lastPulledAt (0 means first sync) and
// matches it against local rows.
//
// The remote filter is inclusive (>=): redelivering rows written in the same
// millisecond as the previous cycle start is safe because the merge below
// only applies strictly newer rows. Local rows are matched by remote id
// first; rows that never pushed are adopted through the unique-key index,
// built at most once per pull.
func (e *Engine) Pull(ctx context.Context, lastPulledAt int64, sctx descriptor.Context) (*PullResult, error) {
	d := e.desc

	var filters []gateway.Filter
	if d.Scope != nil && sctx.UserID != "" {
		filters = append(filters, gateway.Filter{Path: d.Scope.UserField, Op: gateway.OpEq, Value: sctx.UserID})
	}
	if lastPulledAt > 0 {
		filters = append(filters, gateway.Filter{
			Path:  d.Timestamps.RemoteField,
			Op:    gateway.OpGte,
			Value: record.FormatISO(lastPulledAt),
		})
	}

	res := &PullResult{}
	var index map[string]localdb.Record
	seenKeys := make(map[string]string)

	for from := 0; ; from += e.pageSize {
		rows, err := e.gw.Select(ctx, d.RemoteTable, filters, from, from+e.pageSize-1)
		if err != nil {
			return nil, fmt.Errorf("pull of %s failed: %w", d.RemoteTable, err)
		}

		for _, row := range rows {
			if err := e.mergeRemoteRow(ctx, row, sctx, res, &index, seenKeys); err != nil {
				return nil, err
			}
		}

		if len(rows) < e.pageSize {
			break
		}
	}
	return res, nil
}

// mergeRemoteRow folds one remote row into the patch. index is built lazily
// on the first row that needs unique-key matching.
func (e *Engine) mergeRemoteRow(ctx context.Context, row gateway.Row, sctx descriptor.Context,
	res *PullResult, index *map[string]localdb.Record, seenKeys map[string]string) error {

	d := e.desc
	remoteID := record.GetString(row, d.Keys.RemotePK)
	if remoteID == "" {
		return fmt.Errorf("remote row in %s has no primary key %q", d.RemoteTable, d.Keys.RemotePK)
	}
	isDel := record.Deleted(row, d.SoftDeleteKey())

	local, err := e.acc.lookupByRemoteID(ctx, remoteID)
	if err != nil {
		return err
	}

	if len(d.Keys.UniqueKeys) > 0 {
		key := e.acc.remoteKey(row)
		if !isDel {
			if prev, dup := seenKeys[key]; dup && prev != remoteID {
				return &DuplicateKeyError{Table: d.RemoteTable, Key: key, Remote: true}
			}
			seenKeys[key] = remoteID
		}
		if local == nil {
			if *index == nil {
				idx, err := e.acc.buildUniqueIndex(ctx, sctx)
				if err != nil {
					return err
				}
				*index = idx
			}
			local = (*index)[key]
		}
	}

	if isDel {
		if local != nil {
			id, _ := local["id"].(string)
			res.Deleted = append(res.Deleted, id)
		}
		return nil
	}

	mapped, err := d.RemoteToLocal(row, sctx)
	if err != nil {
		return fmt.Errorf("mapping of remote %s row %s failed: %w", d.RemoteTable, remoteID, err)
	}
	remoteUpdated := record.RemoteMillis(rawField(row, d.Timestamps.RemoteField))
	if _, ok := mapped[d.Keys.LocalRemoteIDField]; !ok {
		mapped[d.Keys.LocalRemoteIDField] = remoteID
	}
	if _, ok := mapped[d.Timestamps.LocalField]; !ok {
		mapped[d.Timestamps.LocalField] = remoteUpdated
	}
	if remoteUpdated > res.MaxRemoteUpdatedAt {
		res.MaxRemoteUpdatedAt = remoteUpdated
	}

	if local != nil {
		localUpdated := record.Timestamp(local, d.Timestamps.LocalField)
		// Equality means the local copy already caught up; reapplying
		// would churn and re-trigger a cycle.
		if remoteUpdated > localUpdated {
			mapped["id"] = local["id"]
			res.Updated = append(res.Updated, mapped)
		}
		return nil
	}

	mapped["id"] = d.LocalTable + ":" + remoteID
	res.Created = append(res.Created, mapped)
	return nil
}

// rawField reads a field with name-style tolerance, returning nil when
// absent.
func rawField(row map[string]any, field string) any {
	v, _ := record.Get(row, field)
	return v
}
