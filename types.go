package inboxsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error body the inbox API returns inside a failed Result.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the envelope every inbox API response is wrapped in.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

var (
	// ErrNotConnected is returned by operations that need a live channel.
	ErrNotConnected = errors.New("inboxsync: not connected")
	// ErrAckTimeout is returned when the server does not acknowledge a
	// room operation within RealtimeConfig.AckTimeout.
	ErrAckTimeout = errors.New("inboxsync: room operation not acknowledged")
	// ErrLoadInFlight is returned when a page request arrives while a
	// fetch for the same partition is running. The request is dropped.
	ErrLoadInFlight = errors.New("inboxsync: page load already in flight")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("inboxsync: closed")
)

// RoomError reports a join or leave the server rejected.
type RoomError struct {
	Op       RoomOp
	TicketID int64
	Reason   string
}

func (e *RoomError) Error() string {
	return fmt.Sprintf("%s ticket %d rejected: %s", e.Op, e.TicketID, e.Reason)
}

// ============================================================================
// Tickets
// ============================================================================

// Status is a ticket's lifecycle state. It doubles as the partition the
// ticket is listed under.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Valid reports whether s names a partition.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusResolved
}

// Customer is the denormalized customer snapshot carried on a ticket.
type Customer struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// LastMessage is the preview of a ticket's most recent message.
type LastMessage struct {
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status,omitempty"`
}

// Ticket is one conversation in the inbox.
type Ticket struct {
	ID            int64        `json:"id"`
	TicketNumber  string       `json:"ticket_number"`
	CustomerID    int64        `json:"customer_id"`
	Customer      Customer     `json:"customer"`
	Status        Status       `json:"status"`
	UnreadCount   int          `json:"unread_count"`
	LastMessageID *int64       `json:"last_message_id"`
	LastMessage   *LastMessage `json:"last_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ResolvedAt    *time.Time   `json:"resolved_at"`
	ResolvedBy    *int64       `json:"resolved_by"`
}

// Partition returns the partition the ticket belongs to, decided by
// ResolvedAt alone.
func (t *Ticket) Partition() Status {
	if t.ResolvedAt != nil {
		return StatusResolved
	}
	return StatusOpen
}

// Clone returns a deep copy of t.
func (t Ticket) Clone() Ticket {
	if t.LastMessageID != nil {
		id := *t.LastMessageID
		t.LastMessageID = &id
	}
	if t.LastMessage != nil {
		lm := *t.LastMessage
		t.LastMessage = &lm
	}
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		t.ResolvedAt = &at
	}
	if t.ResolvedBy != nil {
		by := *t.ResolvedBy
		t.ResolvedBy = &by
	}
	return t
}

// normalize makes Status agree with ResolvedAt. A row the server reports
// as resolved without a timestamp is stamped with its UpdatedAt.
func (t *Ticket) normalize() {
	if t.ResolvedAt == nil && t.Status == StatusResolved {
		at := t.UpdatedAt
		t.ResolvedAt = &at
	}
	t.Status = t.Partition()
	if t.UnreadCount < 0 {
		t.UnreadCount = 0
	}
	if t.CustomerID == 0 {
		t.CustomerID = t.Customer.ID
	}
}

// keepNewerMessage takes the message state of existing when existing
// carries a later message than t. The unread count and preview move with
// the message id.
func (t *Ticket) keepNewerMessage(existing *Ticket) {
	if lastMessageID(existing) <= lastMessageID(t) {
		return
	}
	prev := existing.Clone()
	t.UnreadCount = prev.UnreadCount
	t.LastMessageID = prev.LastMessageID
	t.LastMessage = prev.LastMessage
	if prev.UpdatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = prev.UpdatedAt
	}
}

func lastMessageID(t *Ticket) int64 {
	if t.LastMessageID == nil {
		return 0
	}
	return *t.LastMessageID
}

func cloneTickets(tickets []Ticket) []Ticket {
	out := make([]Ticket, len(tickets))
	for i := range tickets {
		out[i] = tickets[i].Clone()
	}
	return out
}

// TicketFields is a partial ticket update. Nil fields are left alone.
type TicketFields struct {
	UnreadCount   *int
	LastMessageID *int64
	LastMessage   *LastMessage
	UpdatedAt     *time.Time
	ResolvedAt    *time.Time
	ResolvedBy    *int64
}

// Apply writes the set fields onto t and keeps Status consistent.
func (f TicketFields) Apply(t *Ticket) {
	if f.UnreadCount != nil {
		t.UnreadCount = *f.UnreadCount
	}
	if f.LastMessageID != nil {
		id := *f.LastMessageID
		t.LastMessageID = &id
	}
	if f.LastMessage != nil {
		lm := *f.LastMessage
		t.LastMessage = &lm
	}
	if f.UpdatedAt != nil {
		t.UpdatedAt = *f.UpdatedAt
	}
	if f.ResolvedAt != nil {
		at := *f.ResolvedAt
		t.ResolvedAt = &at
	}
	if f.ResolvedBy != nil {
		by := *f.ResolvedBy
		t.ResolvedBy = &by
	}
	t.Status = t.Partition()
}

// TicketPage is one page of a partition as returned by the inbox API.
type TicketPage struct {
	Tickets []Ticket `json:"tickets"`
	Total   int      `json:"total"`
	Size    int      `json:"size"`
	Page    int      `json:"page"`
}

// HasMore reports whether pages remain after this one.
func (p *TicketPage) HasMore() bool {
	if p.Size <= 0 {
		return false
	}
	pages := (p.Total + p.Size - 1) / p.Size
	return p.Page < pages
}

// ============================================================================
// Messages
// ============================================================================

// Message is a single message inside a ticket.
type Message struct {
	ID         int64     `json:"id"`
	TicketID   int64     `json:"ticket_id"`
	Body       string    `json:"body"`
	SenderType string    `json:"sender_type,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ============================================================================
// Connection
// ============================================================================

// ConnectionState is the lifecycle state of the realtime channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// RoomOp is a room membership change.
type RoomOp string

const (
	OpJoinRoom  RoomOp = "join_room"
	OpLeaveRoom RoomOp = "leave_room"
)

func (op RoomOp) command() string {
	if op == OpLeaveRoom {
		return commandLeaveTicket
	}
	return commandJoinTicket
}

// QueuedOperation is a room change issued while the channel was down.
type QueuedOperation struct {
	Type     RoomOp `json:"type"`
	TicketID int64  `json:"ticket_id"`
}
