package inboxsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire Format
// ============================================================================

// Inbound event names.
const (
	EventMessageCreated       = "message-created"
	EventMessageStatusUpdated = "message-status-updated"
	EventTicketResolved       = "ticket-resolved"
	EventTicketCreated        = "ticket-created"
	EventError                = "error"

	eventAuthenticated = "authenticated"
	eventAck           = "ack"
)

// Outbound room commands.
const (
	commandJoinTicket  = "join_ticket"
	commandLeaveTicket = "leave_ticket"
)

// Envelope is the wire format for every server-to-client frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// RoomPayload is the payload of join_ticket and leave_ticket.
type RoomPayload struct {
	TicketID int64 `json:"ticket_id"`
}

// AckPayload answers a room command.
type AckPayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// MessageCreatedEvent announces a new message on a ticket. Customer and
// ticket fields are present so an unknown ticket can be shown before
// its page is fetched.
type MessageCreatedEvent struct {
	TicketID      int64     `json:"ticket_id"`
	MessageID     int64     `json:"message_id"`
	Body          string    `json:"body,omitempty"`
	Timestamp     time.Time `json:"ts"`
	TicketNumber  string    `json:"ticket_number,omitempty"`
	CustomerID    int64     `json:"customer_id,omitempty"`
	CustomerName  string    `json:"customer_name,omitempty"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	SenderType    string    `json:"sender_type,omitempty"`
}

// MessageStatusUpdatedEvent reports a delivery or read receipt.
type MessageStatusUpdatedEvent struct {
	TicketID  int64  `json:"ticket_id,omitempty"`
	MessageID int64  `json:"message_id"`
	Status    string `json:"status"`
}

// TicketResolvedEvent reports that a ticket was resolved.
type TicketResolvedEvent struct {
	TicketID   int64     `json:"ticket_id"`
	ResolvedAt time.Time `json:"resolved_at"`
	ResolvedBy *int64    `json:"resolved_by,omitempty"`
}

// TicketCreatedEvent reports a new ticket.
type TicketCreatedEvent struct {
	TicketID     int64  `json:"ticket_id"`
	TicketNumber string `json:"ticket_number,omitempty"`
	CustomerID   int64  `json:"customer_id,omitempty"`
}

// ServerErrorEvent is sent when the server rejects something the client
// did outside the ack path.
type ServerErrorEvent struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the Connection Manager.
type RealtimeConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ConnectTimeout       time.Duration
	AckTimeout           time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
}

// ============================================================================
// Transport
// ============================================================================

var errMalformedEnvelope = errors.New("malformed envelope")

// Conn is one authenticated realtime channel. Read is called from a
// single goroutine; Write and Close may be called concurrently.
type Conn interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, cmd *Command) error
	Close(reason string) error
}

// Dialer opens authenticated channels.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WSDialer dials the inbox WebSocket endpoint.
type WSDialer struct {
	// BaseURL is the REST base URL. The scheme is rewritten to ws/wss.
	BaseURL string
	// PingInterval enables WebSocket keepalive pings. Zero disables them.
	PingInterval time.Duration
}

func (d *WSDialer) endpoint(token string) string {
	wsURL := strings.TrimRight(d.BaseURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws?token=" + url.QueryEscape(token)
}

// Dial connects and waits for the server's authenticated frame.
func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, d.endpoint(token), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	var env Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	if env.Type != eventAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "unexpected handshake")
		return nil, fmt.Errorf("expected %q, got %q", eventAuthenticated, env.Type)
	}

	c := &wsConn{conn: conn, done: make(chan struct{})}
	if d.PingInterval > 0 {
		go c.keepalive(d.PingInterval)
	}
	return c, nil
}

type wsConn struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Read(ctx context.Context) (Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	return env, nil
}

func (c *wsConn) Write(ctx context.Context, cmd *Command) error {
	return wsjson.Write(ctx, c.conn, cmd)
}

func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// keepalive pings until the connection closes. A failed ping closes the
// connection so the pending Read fails and the drop is handled there.
func (c *wsConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type handlerEntry struct {
	id int
	fn func(json.RawMessage)
}

// eventDispatcher delivers events to subscribers in registration order on
// the caller's goroutine, which keeps per-connection delivery ordered.
type eventDispatcher struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	nextID   int
	handlers map[string][]handlerEntry
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		logger:   logger,
		handlers: make(map[string][]handlerEntry),
	}
}

func (d *eventDispatcher) on(eventType string, fn func(json.RawMessage)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[eventType] = append(d.handlers[eventType], handlerEntry{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			entries := d.handlers[eventType]
			for i, e := range entries {
				if e.id == id {
					d.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	entries := append([]handlerEntry(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()

	for _, e := range entries {
		d.invoke(env, e.fn)
	}
}

func (d *eventDispatcher) invoke(env Envelope, fn func(json.RawMessage)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "event", env.Type, "panic", r)
		}
	}()
	fn(env.Payload)
}

func subscribe[T any](d *eventDispatcher, eventType string, h func(T)) func() {
	return d.on(eventType, func(raw json.RawMessage) {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			d.logger.Warn("dropping malformed event", "event", eventType, "error", err)
			return
		}
		h(p)
	})
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector counts reconnect attempts and produces capped, jittered
// exponential delays.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	backoff     retry.Backoff
}

func newReconnector(config *RealtimeConfig) *reconnector {
	r := &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
	r.reset()
	return r
}

func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	delay, stop := r.backoff.Next()
	if stop {
		return r.maxDelay
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.backoff = retry.WithCappedDuration(r.maxDelay,
		retry.WithJitterPercent(10, retry.NewExponential(r.baseDelay)))
}
