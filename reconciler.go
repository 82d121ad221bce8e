package inboxsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/supportdesk/inboxsync/internal/clock"
)

// Outcome describes what a message-created event did.
type Outcome int

const (
	// OutcomeIgnored means the event was malformed.
	OutcomeIgnored Outcome = iota
	// OutcomeApplied means an existing ticket took the new message.
	OutcomeApplied
	// OutcomeInserted means the ticket was unknown and was added.
	OutcomeInserted
	// OutcomeDuplicate means the message was already applied.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeInserted:
		return "inserted"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// MessageSource fetches a message the local store does not hold.
type MessageSource interface {
	GetMessage(ctx context.Context, id int64) (*Message, error)
}

// messageFetchTimeout bounds a remote message lookup made while an
// event is being applied.
const messageFetchTimeout = 5 * time.Second

// PartitionView reports what the user is looking at.
type PartitionView interface {
	ActivePartition() Status
	CurrentPage(status Status) int
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Store  *TicketStore
	Mirror *Mirror
	// View and Refresh drive the ticket-created refresh. Either may be nil.
	View    PartitionView
	Refresh func(ctx context.Context, status Status)
	// Active and Notify drive new-message notifications. Either may be nil.
	Active *ActiveTicket
	Notify func(MessageCreatedEvent)
	// Messages fills bodyless events missing from the local store. Optional.
	Messages MessageSource
}

// Reconciler turns realtime and push events into Ticket Store mutations
// and mirrors each applied mutation to the local store.
type Reconciler struct {
	store    *TicketStore
	mirror   *Mirror
	view     PartitionView
	refresh  func(ctx context.Context, status Status)
	active   *ActiveTicket
	notify   func(MessageCreatedEvent)
	messages MessageSource
	clock    clock.Clock
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler. Store and Mirror are required.
func NewReconciler(cfg ReconcilerConfig, opts ...Option) (*Reconciler, error) {
	if cfg.Store == nil || cfg.Mirror == nil {
		return nil, fmt.Errorf("reconciler: Store and Mirror are required")
	}
	s := newSettings(opts)
	return &Reconciler{
		store:    cfg.Store,
		mirror:   cfg.Mirror,
		view:     cfg.View,
		refresh:  cfg.Refresh,
		active:   cfg.Active,
		notify:   cfg.Notify,
		messages: cfg.Messages,
		clock:    s.clock,
		logger:   s.logger,
	}, nil
}

// Attach subscribes the reconciler to a connection's events and returns
// a function that detaches it.
func (r *Reconciler) Attach(m *ConnectionManager) func() {
	ctx := context.Background()
	unsubs := []func(){
		m.OnMessageCreated(func(ev MessageCreatedEvent) { r.HandleMessageCreated(ctx, ev) }),
		m.OnMessageStatusUpdated(func(ev MessageStatusUpdatedEvent) { r.HandleMessageStatusUpdated(ctx, ev) }),
		m.OnTicketResolved(func(ev TicketResolvedEvent) { r.HandleTicketResolved(ctx, ev) }),
		m.OnTicketCreated(func(ev TicketCreatedEvent) { r.HandleTicketCreated(ctx, ev) }),
		m.OnServerError(func(ev ServerErrorEvent) {
			r.logger.Warn("server error event", "message", ev.Message)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Apply routes a raw event to its handler. Unknown types are ignored.
func (r *Reconciler) Apply(ctx context.Context, env Envelope) error {
	switch env.Type {
	case EventMessageCreated:
		var ev MessageCreatedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		r.HandleMessageCreated(ctx, ev)
	case EventMessageStatusUpdated:
		var ev MessageStatusUpdatedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		r.HandleMessageStatusUpdated(ctx, ev)
	case EventTicketResolved:
		var ev TicketResolvedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		r.HandleTicketResolved(ctx, ev)
	case EventTicketCreated:
		var ev TicketCreatedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		r.HandleTicketCreated(ctx, ev)
	default:
		r.logger.Debug("ignoring event", "event", env.Type)
	}
	return nil
}

// HandleMessageCreated applies a new message. A message id at or below
// the ticket's last applied id is a duplicate or stale delivery and
// changes nothing. An unknown ticket is inserted at the front.
func (r *Reconciler) HandleMessageCreated(ctx context.Context, ev MessageCreatedEvent) Outcome {
	if ev.TicketID == 0 || ev.MessageID == 0 {
		r.logger.Warn("message-created without ids", "ticket_id", ev.TicketID, "message_id", ev.MessageID)
		return OutcomeIgnored
	}
	if ev.Body == "" {
		r.fillMessage(ctx, &ev)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = r.clock.Now().UTC()
	}

	outcome := OutcomeIgnored
	var applied Ticket
	r.store.Mutate(func(tickets []Ticket) []Ticket {
		for i := range tickets {
			t := &tickets[i]
			if t.ID != ev.TicketID {
				continue
			}
			if t.LastMessageID != nil && ev.MessageID <= *t.LastMessageID {
				outcome = OutcomeDuplicate
				return tickets
			}
			messageID := ev.MessageID
			t.UnreadCount++
			t.LastMessageID = &messageID
			t.LastMessage = &LastMessage{Body: ev.Body, CreatedAt: ts}
			t.UpdatedAt = ts
			outcome = OutcomeApplied
			applied = t.Clone()
			return tickets
		}
		applied = optimisticTicket(ev, ts)
		outcome = OutcomeInserted
		return append([]Ticket{applied.Clone()}, tickets...)
	}, func() {
		if outcome == OutcomeApplied {
			r.mirror.UpdateTicket(applied.ID, TicketFields{
				UnreadCount:   &applied.UnreadCount,
				LastMessageID: applied.LastMessageID,
				LastMessage:   applied.LastMessage,
				UpdatedAt:     &applied.UpdatedAt,
			})
		} else {
			r.mirror.UpsertTickets([]Ticket{applied})
		}
		r.mirror.UpsertMessage(Message{
			ID:         ev.MessageID,
			TicketID:   ev.TicketID,
			Body:       ev.Body,
			SenderType: ev.SenderType,
			CreatedAt:  ts,
		})
	})

	switch outcome {
	case OutcomeDuplicate:
		r.logger.Debug("duplicate message event", "ticket_id", ev.TicketID, "message_id", ev.MessageID)
		return outcome
	case OutcomeInserted:
		r.logger.Info("inserted ticket from message event", "ticket_id", ev.TicketID)
	}

	if r.notify != nil && (r.active == nil || r.active.ShouldNotify(ev.TicketID)) {
		r.notify(ev)
	}
	return outcome
}

// fillMessage completes an event that only carries a message id, from
// the local store and then from the remote source.
func (r *Reconciler) fillMessage(ctx context.Context, ev *MessageCreatedEvent) {
	msg, err := r.mirror.Local().FindMessageByID(ctx, ev.MessageID)
	if err != nil {
		r.logger.Warn("message lookup failed", "message_id", ev.MessageID, "error", err)
	}
	if msg == nil && r.messages != nil {
		msg = r.fetchMessage(ctx, ev.MessageID)
	}
	if msg == nil {
		return
	}
	ev.Body = msg.Body
	if ev.Timestamp.IsZero() {
		ev.Timestamp = msg.CreatedAt
	}
	if ev.SenderType == "" {
		ev.SenderType = msg.SenderType
	}
}

func (r *Reconciler) fetchMessage(ctx context.Context, id int64) *Message {
	ctx, cancel := context.WithTimeout(ctx, messageFetchTimeout)
	defer cancel()
	msg, err := r.messages.GetMessage(ctx, id)
	if err != nil {
		r.logger.Info("remote message lookup failed", "message_id", id, "error", err)
		return nil
	}
	if msg == nil || msg.ID != id {
		return nil
	}
	r.mirror.UpsertMessage(*msg)
	return msg
}

func optimisticTicket(ev MessageCreatedEvent, ts time.Time) Ticket {
	messageID := ev.MessageID
	customerID := ev.CustomerID
	return Ticket{
		ID:           ev.TicketID,
		TicketNumber: ev.TicketNumber,
		CustomerID:   customerID,
		Customer: Customer{
			ID:    customerID,
			Name:  ev.CustomerName,
			Phone: ev.CustomerPhone,
		},
		Status:        StatusOpen,
		UnreadCount:   1,
		LastMessageID: &messageID,
		LastMessage:   &LastMessage{Body: ev.Body, CreatedAt: ts},
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

// HandleTicketResolved moves a known ticket to the resolved partition.
// Views derive the partition from ResolvedAt, so the ticket leaves the
// open view as soon as this returns. It reports whether the ticket was
// known.
func (r *Reconciler) HandleTicketResolved(ctx context.Context, ev TicketResolvedEvent) bool {
	at := ev.ResolvedAt
	if at.IsZero() {
		at = r.clock.Now().UTC()
	}

	found := false
	r.store.Mutate(func(tickets []Ticket) []Ticket {
		for i := range tickets {
			t := &tickets[i]
			if t.ID != ev.TicketID {
				continue
			}
			found = true
			resolvedAt := at
			t.ResolvedAt = &resolvedAt
			if ev.ResolvedBy != nil {
				by := *ev.ResolvedBy
				t.ResolvedBy = &by
			}
			t.Status = StatusResolved
			break
		}
		return tickets
	}, func() {
		r.mirror.UpdateTicket(ev.TicketID, TicketFields{ResolvedAt: &at, ResolvedBy: ev.ResolvedBy})
	})
	if !found {
		r.logger.Info("resolved event for unknown ticket", "ticket_id", ev.TicketID)
		return false
	}
	return true
}

// HandleTicketCreated refreshes the first open page, but only while the
// user is on that page. It reports whether a refresh was requested.
func (r *Reconciler) HandleTicketCreated(ctx context.Context, ev TicketCreatedEvent) bool {
	if r.view == nil || r.refresh == nil {
		return false
	}
	if r.view.ActivePartition() != StatusOpen || r.view.CurrentPage(StatusOpen) > 1 {
		r.logger.Debug("ticket-created refresh skipped", "ticket_id", ev.TicketID)
		return false
	}
	r.refresh(ctx, StatusOpen)
	return true
}

// HandleMessageStatusUpdated records a delivery or read receipt on the
// cached message and, when it is the ticket's last message, on the
// preview. Unread counts are untouched.
func (r *Reconciler) HandleMessageStatusUpdated(ctx context.Context, ev MessageStatusUpdatedEvent) {
	msg, err := r.mirror.Local().FindMessageByID(ctx, ev.MessageID)
	if err != nil {
		r.logger.Warn("message lookup failed", "message_id", ev.MessageID, "error", err)
	}
	if msg != nil {
		updated := *msg
		updated.Status = ev.Status
		r.mirror.UpsertMessage(updated)
		if ev.TicketID == 0 {
			ev.TicketID = msg.TicketID
		}
	}
	if ev.TicketID == 0 {
		return
	}

	var preview *LastMessage
	r.store.Mutate(func(tickets []Ticket) []Ticket {
		for i := range tickets {
			t := &tickets[i]
			if t.ID != ev.TicketID || t.LastMessageID == nil || *t.LastMessageID != ev.MessageID || t.LastMessage == nil {
				continue
			}
			lm := *t.LastMessage
			lm.Status = ev.Status
			t.LastMessage = &lm
			preview = &lm
			break
		}
		return tickets
	}, func() {
		if preview != nil {
			r.mirror.UpdateTicket(ev.TicketID, TicketFields{LastMessage: preview})
		}
	})
}
