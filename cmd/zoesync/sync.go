package main

import (
	"context"
	"fmt"
	"os"
	"time"

	zoesync "github.com/reneerti/Zoe-Church-v1-sub001"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued mutations to the backend",
	Long:  "Run one drain pass: replay every queued mutation for the configured user against the backend, oldest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.BaseURL == "" {
			return fmt.Errorf("default.base_url is not configured")
		}
		if cfg.Auth.UserID == "" {
			return fmt.Errorf("auth.user_id is not configured")
		}

		logger := zerolog.Nop()
		if verbose {
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		client := zoesync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token, zoesync.WithLogger(logger))
		monitor := zoesync.NewNetworkMonitor(zoesync.MonitorOptions{Probe: client.Ping})
		defer monitor.Stop()

		engine := zoesync.NewEngine(client, store, zoesync.NewQueryCache(), monitor, nil, &zoesync.EngineOptions{
			Logger:   logger,
			Notifier: zoesync.LogNotifier{Logger: logger},
		})
		defer engine.Cleanup()

		// Collect status transitions so we can wait for the pass to finish.
		done := make(chan zoesync.SyncStatus, 16)
		engine.AddStatusListener(func(s zoesync.SyncStatus) {
			select {
			case done <- s:
			default:
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := engine.Initialize(ctx, cfg.Auth.UserID); err != nil {
			return fmt.Errorf("failed to initialize engine: %w", err)
		}

		for {
			select {
			case s := <-done:
				switch s.State {
				case zoesync.StateSuccess:
					fmt.Printf("Sync complete; %d mutation(s) still queued.\n", s.Pending)
					return nil
				case zoesync.StateError:
					fmt.Printf("Sync finished with errors; %d mutation(s) still queued.\n", s.Pending)
					return nil
				case zoesync.StateIdle:
					// Idle with work still queued is the pre-drain seed; wait.
					if s.Pending == 0 {
						fmt.Println("Nothing to sync.")
						return nil
					}
				}
			case <-ctx.Done():
				return fmt.Errorf("sync timed out")
			}
		}
	},
}
