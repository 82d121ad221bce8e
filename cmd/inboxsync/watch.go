package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/supportdesk/inboxsync"
)

var (
	watchJoin     []int64
	watchPushAddr string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Int64SliceVar(&watchJoin, "join", nil, "Ticket IDs whose rooms to join (comma-separated)")
	watchCmd.Flags().StringVar(&watchPushAddr, "push-addr", "", "Listen for signed push deliveries on this address (overrides push.addr)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live inbox activity",
	Long: "Load the first page, connect the live channel, and print connection changes,\n" +
		"new messages, and resolutions until interrupted. With a push address and\n" +
		"push.secret configured, signed push deliveries are applied as well.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		local, err := openCache(ctx, cfg)
		if err != nil {
			return err
		}
		defer local.Close()

		logger := newLogger()
		inbox, err := inboxsync.NewInbox(inboxsync.InboxConfig{
			Remote:   client,
			Local:    local,
			Dialer:   &inboxsync.WSDialer{BaseURL: client.BaseURL(), PingInterval: 25 * time.Second},
			Session:  client,
			PageSize: cfg.Sync.PageSize,
		}, inboxsync.WithLogger(logger))
		if err != nil {
			return err
		}
		defer inbox.Close()

		inbox.OnConnectionState(func(s inboxsync.ConnectionState) {
			fmt.Printf("%s  connection %s\n", timestamp(time.Now()), s)
		})
		inbox.OnMessageCreated(func(ev inboxsync.MessageCreatedEvent) {
			fmt.Printf("%s  ticket %d  message %d: %s\n", timestamp(ev.Timestamp), ev.TicketID, ev.MessageID, truncate(ev.Body, 60))
		})
		inbox.OnTicketResolved(func(ev inboxsync.TicketResolvedEvent) {
			fmt.Printf("%s  ticket %d resolved\n", timestamp(ev.ResolvedAt), ev.TicketID)
		})
		inbox.OnTicketCreated(func(ev inboxsync.TicketCreatedEvent) {
			fmt.Printf("%s  ticket %d created\n", timestamp(time.Now()), ev.TicketID)
		})

		if err := inbox.Start(ctx); err != nil {
			return err
		}
		if st := inbox.PageState(inboxsync.StatusOpen); st.Err != "" {
			fmt.Fprintf(os.Stderr, "first page unavailable, showing cache: %s\n", st.Err)
		}
		fmt.Printf("%d open tickets\n", len(inbox.Tickets(inboxsync.StatusOpen)))

		for _, id := range watchJoin {
			if err := inbox.JoinTicket(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "join ticket %d: %v\n", id, err)
			}
		}

		addr := valueOrDefault(watchPushAddr, cfg.Push.Addr)
		if addr != "" {
			srv, err := startPushListener(inbox, addr, cfg.Push.Secret)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Accepting push deliveries on %s\n", addr)
		}

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

// startPushListener serves the inbox's push receiver at /push on addr.
func startPushListener(inbox *inboxsync.Inbox, addr, secret string) (*http.Server, error) {
	receiver, err := inbox.PushReceiver(secret)
	if err != nil {
		return nil, fmt.Errorf("push listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/push", receiver.HTTPHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "push listener: %v\n", err)
		}
	}()
	return srv, nil
}
