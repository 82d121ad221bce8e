package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/supportdesk/inboxsync"
)

// requireServer fails when the server URL or token is missing.
func requireServer(cfg *Config) error {
	if cfg.Server.BaseURL == "" || cfg.Auth.Token == "" {
		return fmt.Errorf("no server configured. Run 'inboxsync init <base-url> <token>' first")
	}
	return nil
}

// newClient creates an API client from the resolved config.
func newClient(cfg *Config) (*inboxsync.Client, error) {
	if err := requireServer(cfg); err != nil {
		return nil, err
	}
	return inboxsync.NewClient(cfg.Server.BaseURL, cfg.Auth.Token), nil
}

// openCache opens the SQLite ticket cache named by the config.
func openCache(ctx context.Context, cfg *Config) (*inboxsync.SQLiteStorage, error) {
	local, err := inboxsync.OpenSQLiteStorage(ctx, inboxsync.SQLiteConfig{
		Path:   cfg.Cache.DBPath,
		Logger: newLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", cfg.Cache.DBPath, err)
	}
	return local, nil
}

func parseStatus(resolved bool) inboxsync.Status {
	if resolved {
		return inboxsync.StatusResolved
	}
	return inboxsync.StatusOpen
}

// printTickets writes a ticket list as a table or as JSON.
func printTickets(tickets []inboxsync.Ticket) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tickets)
	}
	if len(tickets) == 0 {
		fmt.Println("No tickets.")
		return nil
	}
	fmt.Printf("%-8s %-10s %-24s %-6s %-17s %s\n", "ID", "NUMBER", "CUSTOMER", "UNREAD", "UPDATED", "LAST MESSAGE")
	for _, t := range tickets {
		preview := ""
		if t.LastMessage != nil {
			preview = truncate(t.LastMessage.Body, 40)
		}
		fmt.Printf("%-8d %-10s %-24s %-6d %-17s %s\n",
			t.ID, t.TicketNumber, truncate(t.Customer.Name, 24), t.UnreadCount,
			t.UpdatedAt.Local().Format("2006-01-02 15:04"), preview)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

// maskKey shows the first and last four characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func timestamp(t time.Time) string {
	return t.Local().Format("15:04:05")
}
