package inboxsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// InboxConfig wires an Inbox.
type InboxConfig struct {
	Remote  RemoteSource
	Local   LocalStore
	Dialer  Dialer
	Session Session
	// Messages defaults to Remote when it also implements MessageSource.
	Messages MessageSource
	// Network defaults to always reachable.
	Network  *NetworkStatus
	Realtime RealtimeConfig
	// PageSize defaults to DefaultPageSize.
	PageSize int
	// DebounceDelay applies to ScrollToEnd and SetSearchQuery. Defaults
	// to 300ms.
	DebounceDelay time.Duration
}

// Inbox is the application-facing sync engine: live connection state,
// room membership, the filtered ticket list, and pagination controls.
type Inbox struct {
	store      *TicketStore
	mirror     *Mirror
	pages      *Paginator
	conn       *ConnectionManager
	reconciler *Reconciler
	active     *ActiveTicket
	network    *NetworkStatus
	session    Session
	logger     *slog.Logger

	scroll *Debouncer
	search *Debouncer

	mu         sync.Mutex
	query      string
	notifyID   int
	notifyFns  []notifyHandler
	changeID   int
	changeFns  []changeHandler
	detach     func()
	unsubStore func()
	refreshing sync.WaitGroup
	closed     bool
}

type notifyHandler struct {
	id int
	fn func(MessageCreatedEvent)
}

type changeHandler struct {
	id int
	fn func()
}

// NewInbox assembles the sync engine. Nothing touches the network until
// Start.
func NewInbox(cfg InboxConfig, opts ...Option) (*Inbox, error) {
	if cfg.Remote == nil || cfg.Local == nil || cfg.Dialer == nil || cfg.Session == nil {
		return nil, errors.New("inbox: Remote, Local, Dialer and Session are required")
	}
	if cfg.Network == nil {
		cfg.Network = NewNetworkStatus(true)
	}
	if cfg.Messages == nil {
		if ms, ok := cfg.Remote.(MessageSource); ok {
			cfg.Messages = ms
		}
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 300 * time.Millisecond
	}
	s := newSettings(opts)

	in := &Inbox{
		active:  &ActiveTicket{},
		network: cfg.Network,
		session: cfg.Session,
		logger:  s.logger,
		scroll:  NewDebouncer(s.clock, cfg.DebounceDelay),
		search:  NewDebouncer(s.clock, cfg.DebounceDelay),
	}
	in.mirror = NewMirror(cfg.Local, opts...)
	in.store = NewTicketStore(in.mirror)
	in.pages = NewPaginator(cfg.Remote, in.mirror, in.store, cfg.PageSize, opts...)
	in.conn = NewConnectionManager(cfg.Dialer, cfg.Session, cfg.Network, &cfg.Realtime, opts...)

	reconciler, err := NewReconciler(ReconcilerConfig{
		Store:    in.store,
		Mirror:   in.mirror,
		View:     in.pages,
		Refresh:  in.refreshInBackground,
		Active:   in.active,
		Notify:   in.emitNotification,
		Messages: cfg.Messages,
	}, opts...)
	if err != nil {
		in.mirror.Close()
		return nil, fmt.Errorf("inbox: %w", err)
	}
	in.reconciler = reconciler
	in.detach = reconciler.Attach(in.conn)
	in.unsubStore = in.store.Subscribe(func([]Ticket) { in.emitChange() })
	return in, nil
}

// Start publishes the cached tickets, loads the first open page, and
// connects the live channel. A failed page load is recorded in
// PageState and does not stop the connection attempt.
func (in *Inbox) Start(ctx context.Context) error {
	if err := in.pages.Reload(ctx); err != nil {
		in.logger.Warn("cached tickets unavailable", "error", err)
	}
	if err := in.pages.SetActive(ctx, StatusOpen); err != nil {
		in.logger.Warn("initial page load failed", "error", err)
	}
	if err := in.conn.Connect(ctx); err != nil {
		in.logger.Info("initial connect failed", "error", err)
	}
	return nil
}

// Close disconnects, stops timers, and flushes pending local writes.
func (in *Inbox) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	in.mu.Unlock()

	in.scroll.Stop()
	in.search.Stop()
	in.detach()
	in.conn.Disconnect()
	in.refreshing.Wait()
	in.unsubStore()
	in.mirror.Close()
}

// Store exposes the underlying Ticket Store.
func (in *Inbox) Store() *TicketStore { return in.store }

// Connection exposes the underlying Connection Manager.
func (in *Inbox) Connection() *ConnectionManager { return in.conn }

// Reconciler exposes the event entry point shared by all producers.
func (in *Inbox) Reconciler() *Reconciler { return in.reconciler }

// ActiveTicket exposes the on-screen ticket slot.
func (in *Inbox) ActiveTicket() *ActiveTicket { return in.active }

// ── Connection ───────────────────────────────────────────

// ConnectionState returns the live channel state.
func (in *Inbox) ConnectionState() ConnectionState { return in.conn.State() }

// OnConnectionState registers a handler for state changes.
func (in *Inbox) OnConnectionState(h func(ConnectionState)) func() { return in.conn.OnStateChange(h) }

// JoinTicket subscribes to live updates for a ticket.
func (in *Inbox) JoinTicket(ctx context.Context, ticketID int64) error {
	return in.conn.JoinRoom(ctx, ticketID)
}

// LeaveTicket drops live updates for a ticket.
func (in *Inbox) LeaveTicket(ctx context.Context, ticketID int64) error {
	return in.conn.LeaveRoom(ctx, ticketID)
}

// OpenTicket marks a ticket as on screen: notifications for it are
// suppressed, it is marked read, and its room is joined.
func (in *Inbox) OpenTicket(ctx context.Context, ticketID int64) error {
	in.active.Set(ticketID)
	in.store.MarkRead(ticketID)
	return in.conn.JoinRoom(ctx, ticketID)
}

// CloseTicket reverses OpenTicket.
func (in *Inbox) CloseTicket(ctx context.Context, ticketID int64) error {
	in.active.Clear(ticketID)
	return in.conn.LeaveRoom(ctx, ticketID)
}

func (in *Inbox) OnMessageCreated(h func(MessageCreatedEvent)) func() {
	return in.conn.OnMessageCreated(h)
}

func (in *Inbox) OnTicketResolved(h func(TicketResolvedEvent)) func() {
	return in.conn.OnTicketResolved(h)
}

func (in *Inbox) OnTicketCreated(h func(TicketCreatedEvent)) func() {
	return in.conn.OnTicketCreated(h)
}

// SetNetworkReachable records device reachability; regaining it
// reconnects.
func (in *Inbox) SetNetworkReachable(ctx context.Context, reachable bool) error {
	if !in.network.Set(reachable) {
		return nil
	}
	return in.conn.NetworkChanged(ctx, reachable)
}

// Foreground reconnects after the application returns to the foreground.
func (in *Inbox) Foreground(ctx context.Context) error {
	return in.conn.Foreground(ctx)
}

// PushReceiver returns the fallback push handler feeding this inbox.
func (in *Inbox) PushReceiver(secret string) (*PushReceiver, error) {
	return NewPushReceiver(secret, in.reconciler, WithLogger(in.logger))
}

// ── Notifications ────────────────────────────────────────

// OnNotification registers a handler for new messages on tickets that
// are not on screen.
func (in *Inbox) OnNotification(h func(MessageCreatedEvent)) func() {
	in.mu.Lock()
	in.notifyID++
	id := in.notifyID
	in.notifyFns = append(in.notifyFns, notifyHandler{id: id, fn: h})
	in.mu.Unlock()
	return func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		for i, n := range in.notifyFns {
			if n.id == id {
				in.notifyFns = append(in.notifyFns[:i:i], in.notifyFns[i+1:]...)
				return
			}
		}
	}
}

func (in *Inbox) emitNotification(ev MessageCreatedEvent) {
	in.mu.Lock()
	handlers := append([]notifyHandler(nil), in.notifyFns...)
	in.mu.Unlock()
	for _, h := range handlers {
		h.fn(ev)
	}
}

// OnChange registers a handler called whenever the ticket list or the
// applied search query changes.
func (in *Inbox) OnChange(h func()) func() {
	in.mu.Lock()
	in.changeID++
	id := in.changeID
	in.changeFns = append(in.changeFns, changeHandler{id: id, fn: h})
	in.mu.Unlock()
	return func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		for i, c := range in.changeFns {
			if c.id == id {
				in.changeFns = append(in.changeFns[:i:i], in.changeFns[i+1:]...)
				return
			}
		}
	}
}

func (in *Inbox) emitChange() {
	in.mu.Lock()
	handlers := append([]changeHandler(nil), in.changeFns...)
	in.mu.Unlock()
	for _, h := range handlers {
		h.fn()
	}
}

// ── Tickets and pagination ───────────────────────────────

// Tickets returns the display list of a partition filtered by the
// applied search query. The resolved partition is capped at its visible
// window.
func (in *Inbox) Tickets(status Status) []Ticket {
	in.mu.Lock()
	query := in.query
	in.mu.Unlock()

	tickets := in.store.GetByPartition(status, query)
	if status == StatusResolved {
		if visible := in.pages.State(status).Visible; visible > 0 && len(tickets) > visible {
			tickets = tickets[:visible]
		}
	}
	return tickets
}

// SearchQuery returns the applied search query.
func (in *Inbox) SearchQuery() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.query
}

// SetSearchQuery applies q after keystrokes pause for the debounce delay.
func (in *Inbox) SetSearchQuery(q string) {
	in.search.Trigger(func() {
		in.mu.Lock()
		changed := in.query != q
		in.query = q
		in.mu.Unlock()
		if changed {
			in.emitChange()
		}
	})
}

// SetPartition switches the visible partition.
func (in *Inbox) SetPartition(ctx context.Context, status Status) error {
	return in.pages.SetActive(ctx, status)
}

// ActivePartition returns the visible partition.
func (in *Inbox) ActivePartition() Status { return in.pages.ActivePartition() }

// PageState returns the pagination state of a partition.
func (in *Inbox) PageState(status Status) PageState { return in.pages.State(status) }

// LoadNextPage extends the visible partition by one page.
func (in *Inbox) LoadNextPage(ctx context.Context) error {
	return in.pages.LoadNextPage(ctx, in.pages.ActivePartition())
}

// ScrollToEnd requests the next page once scrolling settles. Errors are
// left in PageState.
func (in *Inbox) ScrollToEnd(ctx context.Context) {
	in.scroll.Trigger(func() {
		if err := in.LoadNextPage(ctx); err != nil && !errors.Is(err, ErrLoadInFlight) {
			in.logger.Info("load next page failed", "error", err)
		}
	})
}

// Refresh reloads the first page of the visible partition.
func (in *Inbox) Refresh(ctx context.Context) error {
	return in.pages.Refresh(ctx, in.pages.ActivePartition())
}

// MarkRead zeroes a ticket's unread count.
func (in *Inbox) MarkRead(ticketID int64) bool {
	return in.store.MarkRead(ticketID)
}

// refreshInBackground runs a ticket-created refresh off the event
// goroutine so event delivery is not held up by the fetch.
func (in *Inbox) refreshInBackground(ctx context.Context, status Status) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.refreshing.Add(1)
	in.mu.Unlock()

	go func() {
		defer in.refreshing.Done()
		if err := in.pages.Refresh(ctx, status); err != nil && !errors.Is(err, ErrLoadInFlight) {
			in.logger.Info("refresh after ticket-created failed", "error", err)
		}
	}()
}
