package inboxsync

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/supportdesk/inboxsync/internal/clock"
)

// ============================================================================
// Test Helpers
// ============================================================================

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func int64p(v int64) *int64 { return &v }

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func at(minutes int) time.Time { return epoch.Add(time.Duration(minutes) * time.Minute) }

func openTicket(id int64, name string, unread int, lastMessageID int64, updated time.Time) Ticket {
	t := Ticket{
		ID:           id,
		TicketNumber: "T-" + itoa(id),
		CustomerID:   id * 10,
		Customer:     Customer{ID: id * 10, Name: name},
		Status:       StatusOpen,
		UnreadCount:  unread,
		CreatedAt:    updated,
		UpdatedAt:    updated,
	}
	if lastMessageID != 0 {
		t.LastMessageID = int64p(lastMessageID)
		t.LastMessage = &LastMessage{Body: "message " + itoa(lastMessageID), CreatedAt: updated}
	}
	return t
}

func resolvedTicket(id int64, name string, resolved time.Time) Ticket {
	t := openTicket(id, name, 0, 0, resolved)
	t.Status = StatusResolved
	t.ResolvedAt = &resolved
	return t
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func ids(tickets []Ticket) []int64 {
	out := make([]int64, len(tickets))
	for i, t := range tickets {
		out[i] = t.ID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// syncMirror waits for queued local writes.
func syncMirror(t *testing.T, m *Mirror) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("mirror sync: %v", err)
	}
}

// fakeView is a PartitionView with settable values.
type fakeView struct {
	mu     sync.Mutex
	active Status
	pages  map[Status]int
}

func (v *fakeView) ActivePartition() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

func (v *fakeView) CurrentPage(status Status) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pages[status]
}

type reconcilerFixture struct {
	local      *MemoryStorage
	mirror     *Mirror
	store      *TicketStore
	reconciler *Reconciler
	view       *fakeView
	active     *ActiveTicket
	clock      *clock.FakeClock

	mu        sync.Mutex
	refreshes []Status
	notified  []MessageCreatedEvent
}

func newReconcilerFixture(t *testing.T, tickets ...Ticket) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{
		local:  NewMemoryStorage(),
		view:   &fakeView{active: StatusOpen, pages: map[Status]int{StatusOpen: 1}},
		active: &ActiveTicket{},
		clock:  clock.Fake(epoch.Add(time.Hour)),
	}
	if err := f.local.UpsertTickets(context.Background(), tickets); err != nil {
		t.Fatalf("seed local: %v", err)
	}
	f.mirror = NewMirror(f.local, WithPersistRetry(0, time.Millisecond))
	t.Cleanup(f.mirror.Close)
	f.store = NewTicketStore(f.mirror)
	f.store.ReplaceAll(tickets)

	r, err := NewReconciler(ReconcilerConfig{
		Store:  f.store,
		Mirror: f.mirror,
		View:   f.view,
		Refresh: func(_ context.Context, status Status) {
			f.mu.Lock()
			f.refreshes = append(f.refreshes, status)
			f.mu.Unlock()
		},
		Active: f.active,
		Notify: func(ev MessageCreatedEvent) {
			f.mu.Lock()
			f.notified = append(f.notified, ev)
			f.mu.Unlock()
		},
	}, withClock(f.clock))
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	f.reconciler = r
	return f
}

func (f *reconcilerFixture) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshes)
}

func (f *reconcilerFixture) notifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notified)
}

// fakeRemote serves pages from fixed per-partition lists.
type fakeRemote struct {
	mu      sync.Mutex
	tickets map[Status][]Ticket
	calls   []string
	err     error
	// gate, when set, blocks each fetch until a value is received.
	gate chan struct{}
	// started receives once per fetch before gate is consulted.
	started chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{tickets: make(map[Status][]Ticket)}
}

func (r *fakeRemote) set(status Status, tickets []Ticket) {
	r.mu.Lock()
	r.tickets[status] = tickets
	r.mu.Unlock()
}

func (r *fakeRemote) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *fakeRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRemote) GetTicketsPage(ctx context.Context, status Status, page, pageSize int) (*TicketPage, error) {
	r.mu.Lock()
	r.calls = append(r.calls, string(status)+"/"+itoa(int64(page)))
	gate, started := r.gate, r.started
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	all := r.tickets[status]
	start := (page - 1) * pageSize
	end := min(start+pageSize, len(all))
	var rows []Ticket
	if start < len(all) {
		rows = cloneTickets(all[start:end])
	}
	return &TicketPage{Tickets: rows, Total: len(all), Size: pageSize, Page: page}, nil
}

// numbered returns n tickets with ids from first downward.
func numbered(first int64, n int, status Status) []Ticket {
	out := make([]Ticket, 0, n)
	for i := 0; i < n; i++ {
		id := first - int64(i)
		if status == StatusResolved {
			out = append(out, resolvedTicket(id, "Customer "+itoa(id), at(-int(id))))
		} else {
			out = append(out, openTicket(id, "Customer "+itoa(id), 0, 0, at(-int(id))))
		}
	}
	return out
}
