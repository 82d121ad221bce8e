package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/supportdesk/inboxsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, server health, and cache contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Server.BaseURL, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Cache:       %s\n", cfg.Cache.DBPath)
		if cfg.Sync.PageSize > 0 {
			fmt.Printf("  Page size:   %d\n", cfg.Sync.PageSize)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		local, err := openCache(ctx, cfg)
		if err != nil {
			fmt.Printf("\nCache unavailable: %v\n", err)
		} else {
			defer local.Close()
			fmt.Println()
			fmt.Println("Cache:")
			for _, status := range []inboxsync.Status{inboxsync.StatusOpen, inboxsync.StatusResolved} {
				n, err := local.CountTickets(ctx, status)
				if err != nil {
					fmt.Printf("  %-9s error: %v\n", status+":", err)
					continue
				}
				fmt.Printf("  %-9s %d\n", status+":", n)
			}
		}

		client, err := newClient(cfg)
		if err != nil {
			return nil
		}
		fmt.Println()
		fmt.Println("Server:")
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
			return nil
		}
		fmt.Println("  OK")
		return nil
	},
}
