package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/supportdesk/inboxsync"
)

var syncPages int

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().IntVarP(&syncPages, "pages", "p", 1, "Number of pages to fetch per partition")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch ticket pages from the server into the local cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		local, err := openCache(ctx, cfg)
		if err != nil {
			return err
		}
		defer local.Close()

		logger := newLogger()
		mirror := inboxsync.NewMirror(local, inboxsync.WithLogger(logger))
		defer mirror.Close()
		store := inboxsync.NewTicketStore(mirror)
		pages := inboxsync.NewPaginator(client, mirror, store, cfg.Sync.PageSize, inboxsync.WithLogger(logger))

		for _, status := range []inboxsync.Status{inboxsync.StatusOpen, inboxsync.StatusResolved} {
			for page := 1; page <= max(syncPages, 1); page++ {
				if err := pages.LoadPage(ctx, status, page, page > 1); err != nil {
					return err
				}
				if !pages.State(status).HasMore {
					break
				}
			}
			st := pages.State(status)
			fmt.Printf("%-9s page %d, %d on server, more=%v\n", status+":", st.Page, st.Total, st.HasMore)
		}

		if err := mirror.Sync(ctx); err != nil {
			return fmt.Errorf("flush cache: %w", err)
		}
		fmt.Printf("Cached %d tickets in %s\n", store.Len(), cfg.Cache.DBPath)
		return nil
	},
}
