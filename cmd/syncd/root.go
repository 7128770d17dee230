package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Bidirectional sync between a local store and a remote data source",
	Long: `syncd keeps an offline-first local database consistent with a remote
relational data source, per table, per user.

Cycles pull remote deltas by timestamp, reconcile them against local rows
(unique-key aware, last-write-wins), then push local changes back with
soft-delete semantics. Local edits trigger debounced cycles; realtime
remote subscriptions are opt-in.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default ./syncd.yaml, then $HOME/.config/driftsync/syncd.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
