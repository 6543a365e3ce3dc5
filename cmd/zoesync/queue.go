package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	zoesync "github.com/reneerti/Zoe-Church-v1-sub001"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueCountCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending offline mutations",
	Long:  "Show every mutation waiting in the local queue for the configured user, oldest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.UserID == "" {
			return fmt.Errorf("auth.user_id is not configured")
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		mutations, err := store.MutationsByUser(ctx, cfg.Auth.UserID)
		if err != nil {
			return fmt.Errorf("failed to list queue: %w", err)
		}
		if len(mutations) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		for _, m := range mutations {
			data, _ := json.Marshal(m.Data)
			fmt.Printf("%s  %-6s %-18s retries=%d  %s\n",
				m.CreatedAt.Format(time.RFC3339), m.Op, m.Table, m.RetryCount, string(data))
			if m.Error != "" {
				fmt.Printf("    last error: %s\n", m.Error)
			}
		}
		return nil
	},
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the total number of queued mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		count, err := store.PendingCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to count queue: %w", err)
		}
		fmt.Println(count)
		return nil
	},
}

func openStore(cfg *Config) (*zoesync.SQLiteStore, error) {
	path, err := queuePath(cfg)
	if err != nil {
		return nil, err
	}
	store, err := zoesync.OpenSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue at %s: %w", path, err)
	}
	return store, nil
}
