// Package descriptor defines the static per-table configuration that drives
// synchronization between a local table and its remote counterpart.
//
// A Descriptor is registered once at coordinator construction and never
// mutated afterwards. It names the two tables, the key and timestamp fields,
// the optional per-user scope, and carries the pure mapping functions that
// translate rows between the two representations.
package descriptor

import (
	"fmt"
)

// DefaultSoftDeleteField is used when a descriptor does not name its own
// soft-delete column. Remote deletions are logical: the flag is set, the row
// stays.
const DefaultSoftDeleteField = "is_deleted"

// Context carries per-sync call context into mappings and scoped queries.
// It is merged from a per-coordinator default and a per-call override.
type Context struct {
	// UserID restricts scoped queries and change streams to one user's rows
	// when the descriptor declares a Scope. Empty means unscoped.
	UserID string
}

// Merge returns the context with non-empty fields of over applied on top.
func (c Context) Merge(over *Context) Context {
	if over == nil {
		return c
	}
	out := c
	if over.UserID != "" {
		out.UserID = over.UserID
	}
	return out
}

// UniqueKeySpec names one logical key path on both sides. Each path is either
// a flat field name or a dotted path into a JSON column ("meta.slug").
type UniqueKeySpec struct {
	LocalPath  string
	RemotePath string
}

// Keys describes how rows are identified across the two tables.
type Keys struct {
	// RemotePK is the remote table's primary key column.
	RemotePK string

	// LocalRemoteIDField is the local field that stores the remote primary
	// key once a row has been pushed. Empty value means "never pushed".
	LocalRemoteIDField string

	// UniqueKeys optionally identify a row when no remote id is known yet,
	// so a pull can adopt an existing local row instead of duplicating it.
	UniqueKeys []UniqueKeySpec
}

// Timestamps names the last-modified fields. The local field holds integer
// milliseconds; the remote field holds an ISO-8601 string.
type Timestamps struct {
	LocalField  string
	RemoteField string
}

// Scope restricts all queries and change streams to one user's rows.
type Scope struct {
	// UserField is the remote column holding the owning user id.
	UserField string
}

// MapFunc translates a row between representations. Implementations must be
// pure: no I/O, no mutation of the input.
type MapFunc func(row map[string]any, ctx Context) (map[string]any, error)

// Descriptor is the static sync configuration for one table pair.
type Descriptor struct {
	LocalTable  string
	RemoteTable string

	Keys       Keys
	Timestamps Timestamps

	// Scope is optional. When set and the sync context carries a user id,
	// the pull query, the push's unique-key lookup and every subscription
	// are filtered to that user. Reads and writes addressed by primary key
	// are not filtered.
	Scope *Scope

	// SoftDeleteField defaults to DefaultSoftDeleteField when empty.
	SoftDeleteField string

	// Label is the human-readable diagnostic name. Defaults to LocalTable.
	Label string

	// RemoteToLocal maps a remote row to the local raw representation.
	RemoteToLocal MapFunc

	// LocalToRemote maps a local record to the remote payload.
	LocalToRemote MapFunc

	// ShouldSyncLocal optionally filters records out of the push phase.
	ShouldSyncLocal func(record map[string]any, ctx Context) bool
}

// Validate reports configuration errors. It is called once at registration;
// a failing descriptor never takes part in a cycle.
func (d *Descriptor) Validate() error {
	switch {
	case d.LocalTable == "":
		return fmt.Errorf("descriptor: local table is required")
	case d.RemoteTable == "":
		return fmt.Errorf("descriptor %q: remote table is required", d.LocalTable)
	case d.Keys.RemotePK == "":
		return fmt.Errorf("descriptor %q: remote primary key is required", d.LocalTable)
	case d.Keys.LocalRemoteIDField == "":
		return fmt.Errorf("descriptor %q: local remote-id field is required", d.LocalTable)
	case d.Timestamps.LocalField == "":
		return fmt.Errorf("descriptor %q: local timestamp field is required", d.LocalTable)
	case d.Timestamps.RemoteField == "":
		return fmt.Errorf("descriptor %q: remote timestamp field is required", d.LocalTable)
	case d.RemoteToLocal == nil:
		return fmt.Errorf("descriptor %q: RemoteToLocal mapping is required", d.LocalTable)
	case d.LocalToRemote == nil:
		return fmt.Errorf("descriptor %q: LocalToRemote mapping is required", d.LocalTable)
	}
	for _, uk := range d.Keys.UniqueKeys {
		if uk.LocalPath == "" || uk.RemotePath == "" {
			return fmt.Errorf("descriptor %q: unique key needs both local and remote paths", d.LocalTable)
		}
	}
	if d.Scope != nil && d.Scope.UserField == "" {
		return fmt.Errorf("descriptor %q: scope needs a user field", d.LocalTable)
	}
	return nil
}

// DisplayLabel returns Label, falling back to the local table name.
func (d *Descriptor) DisplayLabel() string {
	if d.Label != "" {
		return d.Label
	}
	return d.LocalTable
}

// SoftDeleteKey returns the configured soft-delete field or the default.
func (d *Descriptor) SoftDeleteKey() string {
	if d.SoftDeleteField != "" {
		return d.SoftDeleteField
	}
	return DefaultSoftDeleteField
}
