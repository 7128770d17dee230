// Package gateway speaks to the remote relational data source.
//
// The wire protocol is the PostgREST dialect: equality and range filters as
// query parameters, paging via Range headers, writes returning the affected
// representation. Realtime change streams ride a websocket connection per
// subscription. The engine only sees the Gateway interface; tests swap in
// fakes.
package gateway

import "context"

// Row is one remote row. Values may be nested JSON objects.
type Row = map[string]any

// Op is a filter operator.
type Op string

const (
	// OpEq matches rows whose column equals the value.
	OpEq Op = "eq"
	// OpGte matches rows whose column is greater than or equal to the value.
	OpGte Op = "gte"
	// OpIs matches SQL IS semantics; used for boolean and null tests.
	OpIs Op = "is"
)

// Filter constrains a query. Path may be dotted to reach into JSON columns;
// it is rendered into the gateway's JSON syntax by RenderPath.
type Filter struct {
	Path  string
	Op    Op
	Value any
}

// ChangeType classifies a realtime change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one realtime event. The row payload is opaque to the engine;
// any change simply schedules a pull.
type Change struct {
	Type  ChangeType
	Table string
	Row   Row
}

// Subscription is an open realtime change stream.
type Subscription interface {
	// Close tears the stream down. Idempotent.
	Close() error
}

// Gateway is the remote access interface the sync engine consumes.
type Gateway interface {
	// Select returns rows of table matching all filters within the
	// inclusive item range [from, to].
	Select(ctx context.Context, table string, filters []Filter, from, to int) ([]Row, error)

	// SelectByPK returns the row whose primary key column equals pk, or
	// nil when absent.
	SelectByPK(ctx context.Context, table, pkField string, pk any) (Row, error)

	// Update patches the row identified by pk and returns the affected
	// rows.
	Update(ctx context.Context, table, pkField string, pk any, payload Row) ([]Row, error)

	// Insert adds a row and returns the inserted rows with their assigned
	// primary keys.
	Insert(ctx context.Context, table string, payload Row) ([]Row, error)

	// Subscribe opens a realtime change stream for table, optionally
	// filtered by one equality condition. fn runs for every delivered
	// change until the subscription is closed.
	Subscribe(ctx context.Context, table string, filter *Filter, fn func(Change)) (Subscription, error)
}
