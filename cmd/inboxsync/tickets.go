package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/supportdesk/inboxsync"
)

var (
	ticketsResolved bool
	ticketsQuery    string
	ticketsLimit    int
)

func init() {
	rootCmd.AddCommand(ticketsCmd)
	ticketsCmd.Flags().BoolVar(&ticketsResolved, "resolved", false, "List the resolved partition instead of open tickets")
	ticketsCmd.Flags().StringVarP(&ticketsQuery, "query", "q", "", "Filter by customer name, ticket number, or message text")
	ticketsCmd.Flags().IntVarP(&ticketsLimit, "limit", "n", 0, "Show at most n tickets (0 for all)")
}

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "List cached tickets without contacting the server",
	Long:  "List tickets from the local cache in inbox order. Run 'inboxsync sync' to refresh the cache.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		local, err := openCache(ctx, cfg)
		if err != nil {
			return err
		}
		defer local.Close()

		rows, err := local.FindAllTickets(ctx)
		if err != nil {
			return fmt.Errorf("read cache: %w", err)
		}
		tickets := inboxsync.FilterTickets(rows, parseStatus(ticketsResolved), ticketsQuery)
		if ticketsLimit > 0 && len(tickets) > ticketsLimit {
			tickets = tickets[:ticketsLimit]
		}
		return printTickets(tickets)
	},
}
