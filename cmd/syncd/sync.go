package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/morphicai/driftsync/internal/engine"
	"github.com/morphicai/driftsync/internal/events"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Long: `Perform a single Pull/Push cycle for every configured table:

  1. Fetch remote rows changed since the last cycle
  2. Apply them to the local store (unique-key aware, last-write-wins)
  3. Push local creations, edits and deletions back to the remote`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		co, store, err := buildCoordinator(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		defer co.Stop()

		var pulled, pushed, conflicts int
		co.On(events.Pulled, func(ev events.Event) {
			if res, ok := ev.Detail.(*engine.PullResult); ok {
				pulled += len(res.Created) + len(res.Updated) + len(res.Deleted)
			}
		})
		co.On(events.Pushed, func(ev events.Event) {
			if res, ok := ev.Detail.(*engine.PushResult); ok {
				pushed += res.Upserted + res.Deleted
			}
		})
		co.On(events.Conflict, func(events.Event) { conflicts++ })

		start := time.Now()
		if err := co.SyncNow(cmd.Context(), nil); err != nil {
			return err
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pulled:    %d\n", pulled)
		fmt.Printf("   Pushed:    %d\n", pushed)
		if conflicts > 0 {
			fmt.Printf("   Conflicts: %d (remote won)\n", conflicts)
		}
		return nil
	},
}
