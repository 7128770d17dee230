// Package engine implements per-table synchronization: Pull fetches the
// remote delta and matches it against local rows, Push reconciles local
// changes back to the remote table.
//
// One Engine serves one descriptor. The engine never applies a pull patch
// itself; the coordinator hands it to the local store's sync primitive so
// all tables land in a single atomic write. Push write-backs go through the
// reentrancy guard so the resulting change notifications do not schedule
// another cycle.
package engine

import (
	"fmt"
	"io"
	"log"

	"github.com/morphicai/driftsync/internal/clock"
	"github.com/morphicai/driftsync/internal/descriptor"
	"github.com/morphicai/driftsync/internal/gateway"
	"github.com/morphicai/driftsync/internal/guard"
	"github.com/morphicai/driftsync/internal/localdb"
)

// DefaultPageSize is the pull page size.
const DefaultPageSize = 1000

// Config holds engine configuration.
type Config struct {
	// PageSize overrides DefaultPageSize.
	PageSize int

	// Clock supplies timestamps for remote soft-deletes. Defaults to the
	// system clock.
	Clock clock.Clock

	// Logger defaults to silent.
	Logger *log.Logger
}

// Engine synchronizes one local table with its remote counterpart.
type Engine struct {
	desc     *descriptor.Descriptor
	db       localdb.Database
	gw       gateway.Gateway
	acc      *accessor
	clock    clock.Clock
	logger   *log.Logger
	pageSize int
}

// New validates the descriptor and builds its engine.
func New(desc *descriptor.Descriptor, db localdb.Database, gw gateway.Gateway, g *guard.Guard, cfg *Config) (*Engine, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	if cfg == nil {
		cfg = &Config{}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Engine{
		desc:     desc,
		db:       db,
		gw:       gw,
		acc:      &accessor{desc: desc, db: db, guard: g},
		clock:    clk,
		logger:   logger,
		pageSize: pageSize,
	}, nil
}

// Descriptor returns the engine's static configuration.
func (e *Engine) Descriptor() *descriptor.Descriptor {
	return e.desc
}
