package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/morphicai/driftsync/internal/coordinator"
	"github.com/morphicai/driftsync/internal/descriptor"
	"github.com/morphicai/driftsync/internal/gateway"
	"github.com/morphicai/driftsync/internal/localdb"
	"github.com/morphicai/driftsync/internal/monitor"
)

var runRealtime bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Start the daemon: perform an initial cycle, then keep syncing on
local changes (debounced) and, with --realtime, on remote change streams.
Stops cleanly on SIGINT/SIGTERM; an in-flight cycle runs to completion.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		co, store, err := buildCoordinator(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		var mon *monitor.Server
		if cfg.MonitorPort > 0 {
			mon = monitor.NewServer(&monitor.Config{Port: cfg.MonitorPort, Logger: logger})
			mon.Attach(co)
			if err := mon.Start(); err != nil {
				return err
			}
			defer func() { _ = mon.Stop() }()
			fmt.Printf("Monitor listening on %s\n", mon.Addr())
		}

		ctx := cmd.Context()
		co.Start()
		if runRealtime {
			if err := co.EnableRemoteSubscriptions(ctx); err != nil {
				return fmt.Errorf("failed to enable realtime subscriptions: %w", err)
			}
		}
		defer co.Stop()

		logger.Printf("daemon started, tables: %v", co.State().RegisteredTables)
		if err := co.SyncNow(ctx, nil); err != nil {
			// The daemon keeps running: the next local or remote change
			// schedules another attempt.
			fmt.Fprintf(os.Stderr, "Warning: initial sync failed: %v\n", err)
		} else {
			fmt.Println("Initial sync complete")
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("Shutting down")
		// Let a cycle already in flight finish before the store closes.
		co.Stop()
		for co.State().Running {
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runRealtime, "realtime", false, "subscribe to remote change streams")
}

func buildCoordinator(cfg *appConfig) (*coordinator.Coordinator, *localdb.Store, error) {
	logger := newLogger(cfg)

	store, err := localdb.Open(cfg.Database, &localdb.Config{Logger: logger})
	if err != nil {
		return nil, nil, err
	}

	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.Remote.URL,
		RealtimeURL: cfg.Remote.RealtimeURL,
		APIKey:      cfg.Remote.APIKey,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	descs, err := buildDescriptors(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	co, err := coordinator.New(store, gw, descs, &coordinator.Config{
		Debounce:       cfg.debounce(),
		Logger:         logger,
		DefaultContext: descriptor.Context{UserID: cfg.UserID},
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return co, store, nil
}
