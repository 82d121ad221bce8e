package inboxsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func messageEvent(ticketID, messageID int64, body string) MessageCreatedEvent {
	return MessageCreatedEvent{TicketID: ticketID, MessageID: messageID, Body: body, Timestamp: at(30)}
}

func TestHandleMessageCreatedDedup(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, openTicket(7, "Ada", 0, 99, at(0)))

	steps := []struct {
		messageID  int64
		outcome    Outcome
		wantUnread int
	}{
		{100, OutcomeApplied, 1},
		{100, OutcomeDuplicate, 1},
		{101, OutcomeApplied, 2},
		{95, OutcomeDuplicate, 2},
	}
	for _, step := range steps {
		got := f.reconciler.HandleMessageCreated(ctx, messageEvent(7, step.messageID, "hi"))
		if got != step.outcome {
			t.Fatalf("message %d: outcome = %s, want %s", step.messageID, got, step.outcome)
		}
		tk, _ := f.store.Get(7)
		if tk.UnreadCount != step.wantUnread {
			t.Fatalf("message %d: unread = %d, want %d", step.messageID, tk.UnreadCount, step.wantUnread)
		}
	}

	tk, _ := f.store.Get(7)
	if *tk.LastMessageID != 101 || !tk.UpdatedAt.Equal(at(30)) {
		t.Fatalf("ticket = %+v", tk)
	}

	syncMirror(t, f.mirror)
	local, _ := f.local.FindAllTickets(ctx)
	if len(local) != 1 || local[0].UnreadCount != 2 || *local[0].LastMessageID != 101 {
		t.Fatalf("local row = %+v", local)
	}
	if msg, _ := f.local.FindMessageByID(ctx, 101); msg == nil || msg.TicketID != 7 {
		t.Fatalf("message 101 not persisted: %+v", msg)
	}
}

func TestHandleMessageCreatedUnknownTicket(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, openTicket(1, "Ada", 0, 10, at(0)))

	ev := messageEvent(42, 420, "first contact")
	ev.CustomerName = "Grace"
	ev.TicketNumber = "T-42"
	if got := f.reconciler.HandleMessageCreated(ctx, ev); got != OutcomeInserted {
		t.Fatalf("outcome = %s, want inserted", got)
	}

	snap := f.store.Snapshot()
	if len(snap) != 2 || snap[0].ID != 42 {
		t.Fatalf("ids = %v, want 42 first", ids(snap))
	}
	if snap[0].UnreadCount != 1 || snap[0].Customer.Name != "Grace" || snap[0].Partition() != StatusOpen {
		t.Fatalf("inserted ticket = %+v", snap[0])
	}

	if got := f.reconciler.HandleMessageCreated(ctx, ev); got != OutcomeDuplicate {
		t.Fatalf("second delivery outcome = %s", got)
	}
	if f.store.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", f.store.Len())
	}

	syncMirror(t, f.mirror)
	if n, _ := f.local.CountTickets(ctx, StatusOpen); n != 2 {
		t.Fatalf("local open count = %d, want 2", n)
	}
}

func TestHandleMessageCreatedIgnoresMalformed(t *testing.T) {
	f := newReconcilerFixture(t, openTicket(1, "Ada", 0, 10, at(0)))
	if got := f.reconciler.HandleMessageCreated(context.Background(), MessageCreatedEvent{TicketID: 1}); got != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", got)
	}
	if f.notifyCount() != 0 {
		t.Fatal("malformed event raised a notification")
	}
}

func TestHandleMessageCreatedFillsBodyFromCache(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, openTicket(1, "Ada", 0, 10, at(0)))
	f.local.UpsertMessages(ctx, []Message{{ID: 11, TicketID: 1, Body: "cached body", CreatedAt: at(7)}})

	f.reconciler.HandleMessageCreated(ctx, MessageCreatedEvent{TicketID: 1, MessageID: 11})
	tk, _ := f.store.Get(1)
	if tk.LastMessage == nil || tk.LastMessage.Body != "cached body" {
		t.Fatalf("last message = %+v", tk.LastMessage)
	}
	if !tk.UpdatedAt.Equal(at(7)) {
		t.Fatalf("UpdatedAt = %v, want cached created_at", tk.UpdatedAt)
	}
}

func TestHandleMessageCreatedNotifications(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, openTicket(1, "Ada", 0, 10, at(0)), openTicket(2, "Grace", 0, 20, at(0)))
	f.active.Set(1)

	f.reconciler.HandleMessageCreated(ctx, messageEvent(1, 11, "on screen"))
	if f.notifyCount() != 0 {
		t.Fatal("notified for the active ticket")
	}
	f.reconciler.HandleMessageCreated(ctx, messageEvent(2, 21, "elsewhere"))
	if f.notifyCount() != 1 {
		t.Fatalf("notifications = %d, want 1", f.notifyCount())
	}
	f.reconciler.HandleMessageCreated(ctx, messageEvent(2, 21, "elsewhere"))
	if f.notifyCount() != 1 {
		t.Fatal("duplicate delivery raised a notification")
	}
}

func TestHandleTicketResolved(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, openTicket(1, "Ada", 2, 10, at(0)), openTicket(2, "Grace", 0, 20, at(0)))

	if !f.reconciler.HandleTicketResolved(ctx, TicketResolvedEvent{TicketID: 1, ResolvedAt: at(40), ResolvedBy: int64p(5)}) {
		t.Fatal("known ticket reported unknown")
	}
	if got := ids(f.store.GetByPartition(StatusOpen, "")); !equalIDs(got, []int64{2}) {
		t.Fatalf("open = %v, want [2]", got)
	}
	resolved := f.store.GetByPartition(StatusResolved, "")
	if len(resolved) != 1 || resolved[0].ID != 1 || *resolved[0].ResolvedBy != 5 || resolved[0].Status != StatusResolved {
		t.Fatalf("resolved = %+v", resolved)
	}

	syncMirror(t, f.mirror)
	if n, _ := f.local.CountTickets(ctx, StatusResolved); n != 1 {
		t.Fatalf("local resolved count = %d, want 1", n)
	}
}

func TestHandleTicketResolvedUnknown(t *testing.T) {
	f := newReconcilerFixture(t, openTicket(1, "Ada", 0, 10, at(0)))
	gen := f.store.Generation()
	if f.reconciler.HandleTicketResolved(context.Background(), TicketResolvedEvent{TicketID: 99, ResolvedAt: at(1)}) {
		t.Fatal("unknown ticket reported known")
	}
	if f.store.Generation() != gen || f.store.Len() != 1 {
		t.Fatal("unknown resolved event changed the store")
	}
}

func TestHandleTicketCreated(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	if !f.reconciler.HandleTicketCreated(ctx, TicketCreatedEvent{TicketID: 1}) {
		t.Fatal("refresh skipped on open page 1")
	}

	f.view.mu.Lock()
	f.view.pages[StatusOpen] = 3
	f.view.mu.Unlock()
	if f.reconciler.HandleTicketCreated(ctx, TicketCreatedEvent{TicketID: 2}) {
		t.Fatal("refresh requested while on page 3")
	}

	f.view.mu.Lock()
	f.view.pages[StatusOpen] = 1
	f.view.active = StatusResolved
	f.view.mu.Unlock()
	if f.reconciler.HandleTicketCreated(ctx, TicketCreatedEvent{TicketID: 3}) {
		t.Fatal("refresh requested while resolved partition is active")
	}

	if f.refreshCount() != 1 || f.refreshes[0] != StatusOpen {
		t.Fatalf("refreshes = %v", f.refreshes)
	}
}

func TestHandleMessageStatusUpdated(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, openTicket(1, "Ada", 3, 10, at(0)))
	f.local.UpsertMessages(ctx, []Message{{ID: 10, TicketID: 1, Body: "message 10", CreatedAt: at(0)}})

	f.reconciler.HandleMessageStatusUpdated(ctx, MessageStatusUpdatedEvent{MessageID: 10, Status: "read"})

	tk, _ := f.store.Get(1)
	if tk.LastMessage.Status != "read" {
		t.Fatalf("preview status = %q", tk.LastMessage.Status)
	}
	if tk.UnreadCount != 3 {
		t.Fatalf("unread changed to %d", tk.UnreadCount)
	}
	syncMirror(t, f.mirror)
	msg, _ := f.local.FindMessageByID(ctx, 10)
	if msg.Status != "read" {
		t.Fatalf("cached message status = %q", msg.Status)
	}
}

func TestReconcilerApply(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, openTicket(1, "Ada", 0, 10, at(0)))

	payload, _ := json.Marshal(TicketResolvedEvent{TicketID: 1, ResolvedAt: at(5)})
	if err := f.reconciler.Apply(ctx, Envelope{Type: EventTicketResolved, Payload: payload}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tk, _ := f.store.Get(1); tk.Partition() != StatusResolved {
		t.Fatal("ticket not resolved")
	}

	if err := f.reconciler.Apply(ctx, Envelope{Type: EventMessageCreated, Payload: json.RawMessage(`"oops"`)}); err == nil {
		t.Fatal("expected decode error")
	}
	if err := f.reconciler.Apply(ctx, Envelope{Type: "typing"}); err != nil {
		t.Fatalf("unknown type: %v", err)
	}
}

func TestHandleMessageCreatedInterleavedProducers(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, openTicket(7, "Ada", 0, 99, at(0)))

	// The push path delivers message 101 while the live path is still
	// inside its handling of message 100.
	var once sync.Once
	unsub := f.store.Subscribe(func(snap []Ticket) {
		for _, tk := range snap {
			if tk.ID == 7 && tk.LastMessageID != nil && *tk.LastMessageID == 100 {
				once.Do(func() { f.reconciler.HandleMessageCreated(ctx, messageEvent(7, 101, "via push")) })
			}
		}
	})
	defer unsub()

	if got := f.reconciler.HandleMessageCreated(ctx, messageEvent(7, 100, "via live")); got != OutcomeApplied {
		t.Fatalf("outcome = %s", got)
	}

	mem, _ := f.store.Get(7)
	if mem.UnreadCount != 2 || *mem.LastMessageID != 101 {
		t.Fatalf("memory: unread=%d last=%d", mem.UnreadCount, *mem.LastMessageID)
	}
	syncMirror(t, f.mirror)
	rows, _ := f.local.FindAllTickets(ctx)
	if len(rows) != 1 || rows[0].UnreadCount != 2 || *rows[0].LastMessageID != 101 || rows[0].LastMessage.Body != "via push" {
		t.Fatalf("local: unread=%d last=%d, want the memory values", rows[0].UnreadCount, *rows[0].LastMessageID)
	}
}

func TestHandleMessageCreatedConcurrentProducersMatchLocal(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, openTicket(7, "Ada", 0, 0, at(0)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for id := int64(1); id <= 200; id += 2 {
			f.reconciler.HandleMessageCreated(ctx, messageEvent(7, id, "live "+itoa(id)))
		}
	}()
	go func() {
		defer wg.Done()
		for id := int64(2); id <= 200; id += 2 {
			payload, _ := json.Marshal(messageEvent(7, id, "push "+itoa(id)))
			if err := f.reconciler.Apply(ctx, Envelope{Type: EventMessageCreated, Payload: payload}); err != nil {
				t.Errorf("Apply(%d): %v", id, err)
				return
			}
		}
	}()
	wg.Wait()

	mem, _ := f.store.Get(7)
	syncMirror(t, f.mirror)
	rows, _ := f.local.FindAllTickets(ctx)
	if len(rows) != 1 {
		t.Fatalf("local rows = %d", len(rows))
	}
	local := rows[0]
	if local.UnreadCount != mem.UnreadCount || *local.LastMessageID != *mem.LastMessageID || local.LastMessage.Body != mem.LastMessage.Body {
		t.Fatalf("local unread=%d last=%d body=%q, memory unread=%d last=%d body=%q",
			local.UnreadCount, *local.LastMessageID, local.LastMessage.Body,
			mem.UnreadCount, *mem.LastMessageID, mem.LastMessage.Body)
	}
	if *mem.LastMessageID != 200 && *mem.LastMessageID != 199 {
		t.Fatalf("last message = %d", *mem.LastMessageID)
	}
}

// stubMessages is a MessageSource serving a fixed set.
type stubMessages struct {
	mu    sync.Mutex
	msgs  map[int64]Message
	err   error
	calls int
}

func (s *stubMessages) GetMessage(ctx context.Context, id int64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	m, ok := s.msgs[id]
	if !ok {
		return nil, &APIError{Code: "NOT_FOUND", Message: "message not found"}
	}
	return &m, nil
}

func (s *stubMessages) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestHandleMessageCreatedFetchesMissingBody(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, openTicket(1, "Ada", 0, 10, at(0)))
	src := &stubMessages{msgs: map[int64]Message{
		12: {ID: 12, TicketID: 1, Body: "from server", SenderType: "customer", CreatedAt: at(8)},
	}}
	r, err := NewReconciler(ReconcilerConfig{Store: f.store, Mirror: f.mirror, Messages: src}, withClock(f.clock))
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	t.Run("remote fills a local miss", func(t *testing.T) {
		if got := r.HandleMessageCreated(ctx, MessageCreatedEvent{TicketID: 1, MessageID: 12}); got != OutcomeApplied {
			t.Fatalf("outcome = %s", got)
		}
		tk, _ := f.store.Get(1)
		if tk.LastMessage == nil || tk.LastMessage.Body != "from server" || !tk.UpdatedAt.Equal(at(8)) {
			t.Fatalf("ticket = %+v", tk)
		}
		syncMirror(t, f.mirror)
		msg, _ := f.local.FindMessageByID(ctx, 12)
		if msg == nil || msg.Body != "from server" || msg.SenderType != "customer" {
			t.Fatalf("cached message = %+v", msg)
		}
		if src.callCount() != 1 {
			t.Fatalf("remote calls = %d", src.callCount())
		}
	})

	t.Run("local hit skips the remote", func(t *testing.T) {
		f.local.UpsertMessages(ctx, []Message{{ID: 13, TicketID: 1, Body: "cached", CreatedAt: at(9)}})
		r.HandleMessageCreated(ctx, MessageCreatedEvent{TicketID: 1, MessageID: 13})
		if tk, _ := f.store.Get(1); tk.LastMessage.Body != "cached" {
			t.Fatalf("body = %q", tk.LastMessage.Body)
		}
		if src.callCount() != 1 {
			t.Fatalf("remote calls = %d, want 1", src.callCount())
		}
	})

	t.Run("remote failure still applies", func(t *testing.T) {
		src.mu.Lock()
		src.err = errors.New("offline")
		src.mu.Unlock()
		if got := r.HandleMessageCreated(ctx, MessageCreatedEvent{TicketID: 1, MessageID: 14, Timestamp: at(10)}); got != OutcomeApplied {
			t.Fatalf("outcome = %s", got)
		}
		tk, _ := f.store.Get(1)
		if *tk.LastMessageID != 14 || tk.LastMessage.Body != "" {
			t.Fatalf("ticket = %+v", tk)
		}
	})
}
