// Package inboxsync keeps a support-ticket inbox usable offline while
// reflecting live server updates.
//
// Three views of the same tickets are reconciled into one list: the
// local cache (LocalStore), paginated REST fetches (Client), and the
// realtime event channel (ConnectionManager). The Inbox type wires them
// together:
//
//	local, _ := inboxsync.OpenSQLiteStorage(ctx, inboxsync.SQLiteConfig{Path: "inbox.db"})
//	client := inboxsync.NewClient(baseURL, token)
//	inbox, _ := inboxsync.NewInbox(inboxsync.InboxConfig{
//		Remote:  client,
//		Local:   local,
//		Dialer:  &inboxsync.WSDialer{BaseURL: baseURL},
//		Session: client,
//	})
//	inbox.Start(ctx)
//	defer inbox.Close()
//
//	open := inbox.Tickets(inboxsync.StatusOpen)
package inboxsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ============================================================================
// Local Store Contract
// ============================================================================

// LocalStore is the persisted ticket and message cache. Writes must be
// idempotent; updates to unknown ids are ignored.
type LocalStore interface {
	FindAllTickets(ctx context.Context) ([]Ticket, error)
	UpdateTicket(ctx context.Context, id int64, fields TicketFields) error
	FindMessageByID(ctx context.Context, id int64) (*Message, error)
	UpsertTickets(ctx context.Context, tickets []Ticket) error
	UpsertMessages(ctx context.Context, messages []Message) error
	CountTickets(ctx context.Context, status Status) (int, error)
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory LocalStore.
type MemoryStorage struct {
	mu       sync.RWMutex
	tickets  map[int64]Ticket
	messages map[int64]Message
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tickets:  make(map[int64]Ticket),
		messages: make(map[int64]Message),
	}
}

// ── Tickets ──────────────────────────────────────────────

// FindAllTickets returns every ticket, newest id first.
func (s *MemoryStorage) FindAllTickets(ctx context.Context) ([]Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStorage) UpdateTicket(ctx context.Context, id int64, fields TicketFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil
	}
	t = t.Clone()
	fields.Apply(&t)
	s.tickets[id] = t
	return nil
}

func (s *MemoryStorage) UpsertTickets(ctx context.Context, tickets []Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickets {
		t = t.Clone()
		t.normalize()
		if existing, ok := s.tickets[t.ID]; ok {
			t.keepNewerMessage(&existing)
		}
		s.tickets[t.ID] = t
	}
	return nil
}

func (s *MemoryStorage) CountTickets(ctx context.Context, status Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tickets {
		if t.Partition() == status {
			n++
		}
	}
	return n, nil
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStorage) FindMessageByID(ctx context.Context, id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryStorage) UpsertMessages(ctx context.Context, messages []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		s.messages[m.ID] = m
	}
	return nil
}

// ============================================================================
// Mirror
// ============================================================================

// Mirror copies in-memory mutations to a LocalStore in the order they
// were made. Writes are queued without blocking the caller; a failed
// write is retried and then logged, never surfaced.
type Mirror struct {
	local      LocalStore
	logger     *slog.Logger
	retries    uint64
	retryDelay time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []mirrorWrite
	closed bool
	done   chan struct{}
}

type mirrorWrite struct {
	op       string
	ticketID int64
	apply    func(ctx context.Context) error
}

// NewMirror starts the write-behind worker for local.
func NewMirror(local LocalStore, opts ...Option) *Mirror {
	s := newSettings(opts)
	m := &Mirror{
		local:      local,
		logger:     s.logger,
		retries:    s.persistRetries,
		retryDelay: s.persistRetryDelay,
		done:       make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// Local returns the underlying store for reads.
func (m *Mirror) Local() LocalStore { return m.local }

// UpdateTicket queues a partial ticket update.
func (m *Mirror) UpdateTicket(id int64, fields TicketFields) {
	m.enqueue(mirrorWrite{op: "update_ticket", ticketID: id, apply: func(ctx context.Context) error {
		return m.local.UpdateTicket(ctx, id, fields)
	}})
}

// UpsertTickets queues a full-row write of tickets.
func (m *Mirror) UpsertTickets(tickets []Ticket) {
	rows := cloneTickets(tickets)
	var id int64
	if len(rows) == 1 {
		id = rows[0].ID
	}
	m.enqueue(mirrorWrite{op: "upsert_tickets", ticketID: id, apply: func(ctx context.Context) error {
		return m.local.UpsertTickets(ctx, rows)
	}})
}

// UpsertMessage queues a message write.
func (m *Mirror) UpsertMessage(msg Message) {
	m.enqueue(mirrorWrite{op: "upsert_message", ticketID: msg.TicketID, apply: func(ctx context.Context) error {
		return m.local.UpsertMessages(ctx, []Message{msg})
	}})
}

// Sync blocks until every write queued before the call has been applied.
func (m *Mirror) Sync(ctx context.Context) error {
	reached := make(chan struct{})
	if !m.enqueue(mirrorWrite{op: "barrier", apply: func(context.Context) error {
		close(reached)
		return nil
	}}) {
		return ErrClosed
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close applies the remaining queue and stops the worker.
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.cond.Broadcast()
	}
	m.mu.Unlock()
	<-m.done
}

func (m *Mirror) enqueue(w mirrorWrite) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Warn("local write after close dropped", "op", w.op, "ticket_id", w.ticketID)
		return false
	}
	m.queue = append(m.queue, w)
	m.cond.Signal()
	return true
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		w := m.queue[0]
		m.queue[0] = mirrorWrite{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.apply(w)
	}
}

func (m *Mirror) apply(w mirrorWrite) {
	backoff := retry.WithMaxRetries(m.retries, retry.NewConstant(m.retryDelay))
	attempts := 0
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		attempts++
		if err := w.apply(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("local store write failed",
			"op", w.op, "ticket_id", w.ticketID, "attempts", attempts, "error", fmt.Errorf("mirror: %w", err))
	}
}
