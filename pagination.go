package inboxsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const DefaultPageSize = 10

// RemoteSource fetches ticket pages. Implementations must allow
// concurrent calls for different partitions.
type RemoteSource interface {
	GetTicketsPage(ctx context.Context, status Status, page, pageSize int) (*TicketPage, error)
}

// PageState is the pagination state of one partition.
type PageState struct {
	// Page is the last page loaded from the server or served from cache.
	Page int
	// HasMore is Page < ceil(Total/size) as of the last fetch.
	HasMore bool
	// Total is the server's last reported total.
	Total int
	// Visible is how many rows the partition's view shows.
	Visible int
	// Loading is set while a fetch is in flight.
	Loading bool
	// Loaded is set once the partition has loaded in this session.
	Loaded bool
	// Err holds the last fetch or storage error, cleared by a success.
	Err string
}

// Paginator loads partitions page by page. Every load persists the page,
// reads the whole local table back, and publishes it to the store, so
// memory always reflects what is stored.
type Paginator struct {
	remote   RemoteSource
	mirror   *Mirror
	store    *TicketStore
	pageSize int
	logger   *slog.Logger

	mu     sync.Mutex
	active Status
	states map[Status]*PageState
}

// NewPaginator creates a Paginator with the open partition active. A
// non-positive pageSize selects DefaultPageSize.
func NewPaginator(remote RemoteSource, mirror *Mirror, store *TicketStore, pageSize int, opts ...Option) *Paginator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	s := newSettings(opts)
	return &Paginator{
		remote:   remote,
		mirror:   mirror,
		store:    store,
		pageSize: pageSize,
		logger:   s.logger,
		active:   StatusOpen,
		states: map[Status]*PageState{
			StatusOpen:     {},
			StatusResolved: {},
		},
	}
}

// PageSize returns the configured page size.
func (p *Paginator) PageSize() int { return p.pageSize }

// ActivePartition returns the partition on screen.
func (p *Paginator) ActivePartition() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// CurrentPage returns the page cursor of a partition.
func (p *Paginator) CurrentPage(status Status) int {
	return p.State(status).Page
}

// State returns a copy of a partition's state.
func (p *Paginator) State(status Status) PageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[status]; ok {
		return *st
	}
	return PageState{}
}

// SetActive switches the visible partition, loading its first page only
// if it has never loaded in this session.
func (p *Paginator) SetActive(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown partition %q", status)
	}
	p.mu.Lock()
	p.active = status
	loaded := p.states[status].Loaded
	p.mu.Unlock()
	if loaded {
		return nil
	}
	return p.LoadPage(ctx, status, 1, false)
}

// Refresh reloads the first page of a partition from the server.
func (p *Paginator) Refresh(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown partition %q", status)
	}
	p.mu.Lock()
	p.states[status].Loaded = false
	p.mu.Unlock()
	return p.LoadPage(ctx, status, 1, false)
}

// Reload publishes the local table without touching the network.
func (p *Paginator) Reload(ctx context.Context) error {
	return p.reload(ctx, p.store.Generation())
}

// LoadPage fetches one page, persists it, and republishes the full local
// table. appendPage grows the visible window instead of resetting it. A
// call made while the partition is loading returns ErrLoadInFlight. On
// failure the partition's Err is set and the store is left untouched.
func (p *Paginator) LoadPage(ctx context.Context, status Status, page int, appendPage bool) error {
	if !status.Valid() {
		return fmt.Errorf("unknown partition %q", status)
	}
	if page < 1 {
		page = 1
	}
	if !p.begin(status) {
		return ErrLoadInFlight
	}

	since := p.store.Generation()
	result, err := p.remote.GetTicketsPage(ctx, status, page, p.pageSize)
	if err != nil {
		return p.fail(status, fmt.Errorf("load %s page %d: %w", status, page, err))
	}
	if result.Page == 0 {
		result.Page = page
	}
	if result.Size == 0 {
		result.Size = p.pageSize
	}

	if err := p.mirror.Sync(ctx); err != nil {
		return p.fail(status, fmt.Errorf("load %s page %d: %w", status, page, err))
	}
	if err := p.mirror.Local().UpsertTickets(ctx, result.Tickets); err != nil {
		return p.fail(status, fmt.Errorf("persist %s page %d: %w", status, page, err))
	}
	if err := p.reload(ctx, since); err != nil {
		return p.fail(status, err)
	}

	p.mu.Lock()
	st := p.states[status]
	st.Loading = false
	st.Loaded = true
	st.Err = ""
	st.Page = result.Page
	st.Total = result.Total
	st.HasMore = result.HasMore()
	window := result.Page * p.pageSize
	if appendPage && st.Visible > window {
		window = st.Visible
	}
	st.Visible = window
	p.mu.Unlock()

	p.logger.Debug("page loaded", "partition", status, "page", result.Page, "rows", len(result.Tickets), "has_more", result.HasMore())
	return nil
}

// LoadNextPage extends a partition by one page. The resolved partition
// is served from the local cache when it already holds a full further
// page, or the remainder once the server has nothing more.
func (p *Paginator) LoadNextPage(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown partition %q", status)
	}
	st := p.State(status)
	if st.Loading {
		return ErrLoadInFlight
	}
	if !st.Loaded {
		return p.LoadPage(ctx, status, 1, false)
	}

	if status == StatusResolved {
		served, err := p.serveFromCache(ctx, status)
		if err != nil || served {
			return err
		}
	}
	if !st.HasMore {
		return nil
	}
	return p.LoadPage(ctx, status, st.Page+1, true)
}

func (p *Paginator) serveFromCache(ctx context.Context, status Status) (bool, error) {
	if !p.begin(status) {
		return false, ErrLoadInFlight
	}
	st := p.State(status)

	cached, err := p.mirror.Local().CountTickets(ctx, status)
	if err != nil {
		return false, p.fail(status, fmt.Errorf("count cached %s tickets: %w", status, err))
	}
	want := st.Visible + p.pageSize
	if cached < want && (st.HasMore || cached <= st.Visible) {
		p.mu.Lock()
		p.states[status].Loading = false
		p.mu.Unlock()
		return false, nil
	}

	if err := p.reload(ctx, p.store.Generation()); err != nil {
		return false, p.fail(status, err)
	}

	visible := min(want, cached)
	p.mu.Lock()
	s := p.states[status]
	s.Loading = false
	s.Err = ""
	s.Visible = visible
	s.Page = max(s.Page, visible/p.pageSize)
	if s.Total > 0 {
		s.HasMore = s.Page*p.pageSize < s.Total
	}
	p.mu.Unlock()

	p.logger.Info("served page from cache", "partition", status, "visible", visible, "cached", cached)
	return true, nil
}

func (p *Paginator) begin(status Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[status]
	if st.Loading {
		return false
	}
	st.Loading = true
	return true
}

func (p *Paginator) fail(status Status, err error) error {
	p.mu.Lock()
	st := p.states[status]
	st.Loading = false
	st.Err = err.Error()
	p.mu.Unlock()

	if !errors.Is(err, context.Canceled) {
		p.logger.Warn("page load failed", "partition", status, "error", err)
	}
	return err
}

func (p *Paginator) reload(ctx context.Context, since uint64) error {
	tickets, err := p.mirror.Local().FindAllTickets(ctx)
	if err != nil {
		return fmt.Errorf("reload local tickets: %w", err)
	}
	p.store.Merge(tickets, since)
	return nil
}
