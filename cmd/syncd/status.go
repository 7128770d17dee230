package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/morphicai/driftsync/internal/localdb"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Display the local store's sync state:

  - Store location and size
  - Last completed pull watermark
  - Pending local changes per table`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		info, err := os.Stat(cfg.Database)
		if os.IsNotExist(err) {
			fmt.Println("Local store not initialized; run 'syncd sync' first")
			return nil
		}
		if err != nil {
			return err
		}

		store, err := localdb.Open(cfg.Database, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		last, err := store.LastPulledAt(ctx)
		if err != nil {
			return err
		}
		pending, err := store.PendingChanges(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Store:     %s (%d KB)\n", cfg.Database, info.Size()/1024)
		if last == 0 {
			fmt.Println("Last pull: never")
		} else {
			fmt.Printf("Last pull: %s\n", time.UnixMilli(last).Local().Format(time.RFC3339))
		}
		if len(pending) == 0 {
			fmt.Println("Pending:   none")
			return nil
		}
		fmt.Println("Pending:")
		for _, tc := range cfg.Tables {
			if n := pending[tc.Local]; n > 0 {
				fmt.Printf("   %-16s %d\n", tc.Local, n)
			}
		}
		return nil
	},
}
