package main

import (
	"context"
	"fmt"
	"time"

	zoesync "github.com/reneerti/Zoe-Church-v1-sub001"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync configuration, queue depth, and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Printf("Backend:   %s\n", valueOr(cfg.Default.BaseURL, "(not configured)"))
		fmt.Printf("Feed:      %s\n", valueOr(cfg.Default.FeedURL, "(not configured)"))
		fmt.Printf("User:      %s\n", valueOr(cfg.Auth.UserID, "(not logged in)"))

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pending, err := store.PendingCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to count queue: %w", err)
		}
		fmt.Printf("Queued:    %d mutation(s)\n", pending)

		if cfg.Default.BaseURL == "" {
			return nil
		}
		client := zoesync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token)
		latency, err := client.Ping(ctx)
		if err != nil {
			fmt.Printf("Reachable: no (%v)\n", err)
			return nil
		}
		fmt.Printf("Reachable: yes (%s)\n", latency.Round(time.Millisecond))
		return nil
	},
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
