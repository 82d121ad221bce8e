package inboxsync

import (
	"reflect"
	"sort"
	"strings"
	"sync"
)

// ticketWriter receives the persisted side of in-memory ticket updates.
type ticketWriter interface {
	UpdateTicket(id int64, fields TicketFields)
}

// TicketStore is the in-memory list of every known ticket. All writes go
// through a function over the current snapshot, and subscribers see each
// published snapshot in order.
type TicketStore struct {
	writer ticketWriter

	mu        sync.RWMutex
	tickets   []Ticket
	gen       uint64
	touched   map[int64]uint64
	listeners []storeListener
	nextID    int
}

type storeListener struct {
	id int
	fn func([]Ticket)
}

// NewTicketStore returns an empty store. writer may be nil, in which case
// MarkRead only changes memory.
func NewTicketStore(writer ticketWriter) *TicketStore {
	return &TicketStore{
		writer:  writer,
		touched: make(map[int64]uint64),
	}
}

// Snapshot returns a deep copy of the current list.
func (s *TicketStore) Snapshot() []Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTickets(s.tickets)
}

// Get returns the ticket with the given id.
func (s *TicketStore) Get(id int64) (Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.tickets {
		if s.tickets[i].ID == id {
			return s.tickets[i].Clone(), true
		}
	}
	return Ticket{}, false
}

// Len returns the number of tickets held.
func (s *TicketStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickets)
}

// Generation is incremented by every published change. Pass the value
// read before a reload began to Merge.
func (s *TicketStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Subscribe registers fn to receive every published snapshot and returns
// a function that removes it.
func (s *TicketStore) Subscribe(fn func([]Ticket)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, storeListener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// ReplaceAll swaps the whole list for tickets. Duplicate ids keep their
// first occurrence.
func (s *TicketStore) ReplaceAll(tickets []Ticket) {
	next := dedupe(normalized(tickets))

	s.mu.Lock()
	s.tickets = next
	s.gen++
	s.mu.Unlock()
	s.publish()
}

// Merge publishes a reloaded list like ReplaceAll, except that a ticket
// mutated after generation since keeps its in-memory version. Tickets
// mutated after since and missing from the reload are kept at the front.
func (s *TicketStore) Merge(tickets []Ticket, since uint64) {
	incoming := dedupe(normalized(tickets))

	s.mu.Lock()
	current := make(map[int64]Ticket, len(s.tickets))
	for _, t := range s.tickets {
		current[t.ID] = t
	}
	seen := make(map[int64]bool, len(incoming))
	next := make([]Ticket, 0, len(incoming))
	for _, t := range incoming {
		seen[t.ID] = true
		if cur, ok := current[t.ID]; ok && s.touched[t.ID] > since {
			next = append(next, cur)
			continue
		}
		next = append(next, t)
	}
	var kept []Ticket
	for _, t := range s.tickets {
		if !seen[t.ID] && s.touched[t.ID] > since {
			kept = append(kept, t)
		}
	}
	s.tickets = append(kept, next...)
	s.gen++
	s.mu.Unlock()
	s.publish()
}

// ApplyMutation runs fn over a copy of the current list and publishes the
// result. fn must derive its output only from its argument. It reports
// whether anything changed.
func (s *TicketStore) ApplyMutation(fn func([]Ticket) []Ticket) bool {
	return s.Mutate(fn, nil)
}

// Mutate is ApplyMutation with a persist step. When fn changed the list,
// persist runs before the store is unlocked, so local writes it queues
// follow the order the mutations were applied in. persist must not block
// or call back into the store.
func (s *TicketStore) Mutate(fn func([]Ticket) []Ticket, persist func()) bool {
	s.mu.Lock()
	before := make(map[int64]Ticket, len(s.tickets))
	for _, t := range s.tickets {
		before[t.ID] = t
	}
	next := dedupe(cloneTickets(fn(cloneTickets(s.tickets))))

	changed := len(next) != len(s.tickets)
	s.gen++
	for i := range next {
		next[i].Status = next[i].Partition()
		old, ok := before[next[i].ID]
		if !ok || !reflect.DeepEqual(old, next[i]) {
			s.touched[next[i].ID] = s.gen
			changed = true
		}
	}
	if !changed {
		s.gen--
		s.mu.Unlock()
		return false
	}
	s.tickets = next
	if persist != nil {
		persist()
	}
	s.mu.Unlock()
	s.publish()
	return true
}

// MarkRead zeroes a ticket's unread count and hands the same value to
// the writer. It reports whether the ticket exists.
func (s *TicketStore) MarkRead(id int64) bool {
	found := false
	s.Mutate(func(tickets []Ticket) []Ticket {
		for i := range tickets {
			if tickets[i].ID == id {
				found = true
				tickets[i].UnreadCount = 0
			}
		}
		return tickets
	}, func() {
		if s.writer != nil {
			zero := 0
			s.writer.UpdateTicket(id, TicketFields{UnreadCount: &zero})
		}
	})
	return found
}

// GetByPartition returns the tickets in one partition that match query,
// in display order.
func (s *TicketStore) GetByPartition(status Status, query string) []Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return FilterTickets(s.tickets, status, query)
}

func (s *TicketStore) publish() {
	s.mu.RLock()
	snapshot := cloneTickets(s.tickets)
	listeners := append([]storeListener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, l := range listeners {
		l.fn(snapshot)
	}
}

// FilterTickets selects the tickets in one partition matching query
// (case-insensitive substring of customer name, last message body, or
// ticket number) and sorts them for display. The open partition sorts by
// unread count then recency; the resolved partition by id. Both fall
// back to id descending. The result is a copy.
func FilterTickets(tickets []Ticket, status Status, query string) []Ticket {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Ticket, 0, len(tickets))
	for i := range tickets {
		t := &tickets[i]
		if t.Partition() != status {
			continue
		}
		if q != "" && !matches(t, q) {
			continue
		}
		out = append(out, t.Clone())
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if status == StatusOpen {
			if a.UnreadCount != b.UnreadCount {
				return a.UnreadCount > b.UnreadCount
			}
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
		}
		return a.ID > b.ID
	})
	return out
}

func matches(t *Ticket, q string) bool {
	if strings.Contains(strings.ToLower(t.Customer.Name), q) {
		return true
	}
	if t.LastMessage != nil && strings.Contains(strings.ToLower(t.LastMessage.Body), q) {
		return true
	}
	return strings.Contains(strings.ToLower(t.TicketNumber), q)
}

func normalized(tickets []Ticket) []Ticket {
	out := cloneTickets(tickets)
	for i := range out {
		out[i].normalize()
	}
	return out
}

func dedupe(tickets []Ticket) []Ticket {
	seen := make(map[int64]bool, len(tickets))
	out := tickets[:0]
	for _, t := range tickets {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}
