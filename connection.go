package inboxsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/supportdesk/inboxsync/internal/clock"
)

// ConnectionManager owns the realtime channel: at most one live
// connection, reconnects with backoff, the set of ticket rooms the
// client wants, and room changes issued while the channel is down.
type ConnectionManager struct {
	dialer  Dialer
	session Session
	network NetworkMonitor
	config  RealtimeConfig
	clock   clock.Clock
	logger  *slog.Logger

	dispatcher *eventDispatcher

	mu               sync.Mutex
	state            ConnectionState
	dialing          bool
	intentionalClose bool
	conn             Conn
	connGen          uint64
	cancelRead       context.CancelFunc
	recon            *reconnector
	timer            *clock.Timer
	rooms            map[int64]struct{}
	joinedOnConn     map[int64]struct{}
	queue            []QueuedOperation
	pending          map[string]ackCallback
	stateHandlers    []stateHandler
	nextHandlerID    int
}

type ackCallback func(ack AckPayload, err error)

type stateHandler struct {
	id int
	fn func(ConnectionState)
}

// NewConnectionManager creates a manager in the disconnected state.
func NewConnectionManager(dialer Dialer, session Session, network NetworkMonitor, config *RealtimeConfig, opts ...Option) *ConnectionManager {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if network == nil {
		network = NewNetworkStatus(true)
	}
	s := newSettings(opts)

	return &ConnectionManager{
		dialer:     dialer,
		session:    session,
		network:    network,
		config:     cfg,
		clock:      s.clock,
		logger:     s.logger,
		dispatcher: newEventDispatcher(s.logger),
		state:      StateDisconnected,
		recon:      newReconnector(&cfg),
		rooms:      make(map[int64]struct{}),
		pending:    make(map[string]ackCallback),
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// OnMessageCreated registers a handler for message-created events and
// returns a function that removes it. Handlers run on the channel's read
// goroutine in delivery order and must not block on room operations.
func (m *ConnectionManager) OnMessageCreated(h func(MessageCreatedEvent)) func() {
	return subscribe(m.dispatcher, EventMessageCreated, h)
}

// OnMessageStatusUpdated registers a handler for message-status-updated.
func (m *ConnectionManager) OnMessageStatusUpdated(h func(MessageStatusUpdatedEvent)) func() {
	return subscribe(m.dispatcher, EventMessageStatusUpdated, h)
}

// OnTicketResolved registers a handler for ticket-resolved.
func (m *ConnectionManager) OnTicketResolved(h func(TicketResolvedEvent)) func() {
	return subscribe(m.dispatcher, EventTicketResolved, h)
}

// OnTicketCreated registers a handler for ticket-created.
func (m *ConnectionManager) OnTicketCreated(h func(TicketCreatedEvent)) func() {
	return subscribe(m.dispatcher, EventTicketCreated, h)
}

// OnServerError registers a handler for server error frames.
func (m *ConnectionManager) OnServerError(h func(ServerErrorEvent)) func() {
	return subscribe(m.dispatcher, EventError, h)
}

// OnStateChange registers a handler for connection state changes.
func (m *ConnectionManager) OnStateChange(h func(ConnectionState)) func() {
	m.mu.Lock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.stateHandlers = append(m.stateHandlers, stateHandler{id: id, fn: h})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sh := range m.stateHandlers {
			if sh.id == id {
				m.stateHandlers = append(m.stateHandlers[:i:i], m.stateHandlers[i+1:]...)
				return
			}
		}
	}
}

// ============================================================================
// State
// ============================================================================

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// JoinedRooms returns the desired room set in ascending id order.
func (m *ConnectionManager) JoinedRooms() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedIDs(m.rooms)
}

// QueuedOperations returns a copy of the pending room operations.
func (m *ConnectionManager) QueuedOperations() []QueuedOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QueuedOperation(nil), m.queue...)
}

// setStateLocked records s and returns the handlers to notify, or nil
// when the state did not change. Call notify after releasing m.mu.
func (m *ConnectionManager) setStateLocked(s ConnectionState) []stateHandler {
	if m.state == s {
		return nil
	}
	m.state = s
	return append([]stateHandler(nil), m.stateHandlers...)
}

func (m *ConnectionManager) notify(handlers []stateHandler, s ConnectionState) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("state handler panicked", "panic", r)
				}
			}()
			h.fn(s)
		}()
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect opens the channel. It is a no-op when already connected, when
// a dial is in flight, without a session token, or while the device is
// offline. A manual Connect resets the reconnect attempt counter and
// supersedes any scheduled retry.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.dialing {
		m.mu.Unlock()
		return nil
	}
	token := m.session.Token()
	if token == "" {
		m.mu.Unlock()
		m.logger.Debug("connect skipped: no session")
		return nil
	}
	if !m.network.Reachable() {
		m.mu.Unlock()
		m.logger.Debug("connect skipped: network unreachable")
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.recon.reset()
	m.intentionalClose = false
	m.dialing = true
	handlers := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notify(handlers, StateConnecting)

	return m.dial(ctx, token)
}

// Disconnect tears the channel down and cancels any scheduled retry. The
// desired room set is kept for the next Connect.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.intentionalClose = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	m.joinedOnConn = nil
	failed := m.takePendingLocked()
	handlers := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close("client disconnect"); err != nil {
			m.logger.Debug("close failed", "error", err)
		}
	}
	failPending(failed, ErrNotConnected)
	m.notify(handlers, StateDisconnected)
}

// NetworkChanged tells the manager the device's reachability changed.
// Regaining the network triggers Connect.
func (m *ConnectionManager) NetworkChanged(ctx context.Context, reachable bool) error {
	if !reachable {
		return nil
	}
	return m.Connect(ctx)
}

// Foreground is called when the application returns to the foreground.
func (m *ConnectionManager) Foreground(ctx context.Context) error {
	if m.session.Token() == "" || !m.network.Reachable() {
		return nil
	}
	if m.State() == StateConnected {
		return nil
	}
	return m.Connect(ctx)
}

// dial runs one connection attempt. The caller has set m.dialing.
func (m *ConnectionManager) dial(ctx context.Context, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	conn, err := m.dialer.Dial(dialCtx, token)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.dialing = false
		if m.intentionalClose {
			m.mu.Unlock()
			return nil
		}
		state, handlers := m.scheduleReconnectLocked(err)
		m.mu.Unlock()
		m.notify(handlers, state)
		return fmt.Errorf("connect: %w", err)
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	m.mu.Lock()
	m.dialing = false
	if m.intentionalClose {
		m.mu.Unlock()
		cancelRead()
		conn.Close("client disconnect")
		return nil
	}
	m.conn = conn
	m.connGen++
	gen := m.connGen
	m.cancelRead = cancelRead
	m.recon.reset()
	replay := sortedIDs(m.rooms)
	m.joinedOnConn = make(map[int64]struct{}, len(replay))
	for _, id := range replay {
		m.joinedOnConn[id] = struct{}{}
	}
	queue := m.queue
	m.queue = nil
	handlers := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("realtime connected", "rooms", len(replay), "queued", len(queue))
	m.notify(handlers, StateConnected)

	go m.readLoop(readCtx, conn, gen)

	for _, id := range replay {
		if err := m.send(ctx, conn, OpJoinRoom, id, m.replayAck(OpJoinRoom, id)); err != nil {
			m.logger.Warn("room replay failed", "ticket_id", id, "error", err)
		}
	}
	m.drain(ctx, conn, queue)
	return nil
}

// drain sends queued operations in FIFO order, skipping those the room
// replay already satisfied.
func (m *ConnectionManager) drain(ctx context.Context, conn Conn, queue []QueuedOperation) {
	for _, op := range queue {
		m.mu.Lock()
		if m.conn != conn {
			m.mu.Unlock()
			return
		}
		_, onConn := m.joinedOnConn[op.TicketID]
		redundant := (op.Type == OpJoinRoom) == onConn
		if !redundant {
			if op.Type == OpJoinRoom {
				m.joinedOnConn[op.TicketID] = struct{}{}
			} else {
				delete(m.joinedOnConn, op.TicketID)
			}
		}
		m.mu.Unlock()

		if redundant {
			m.logger.Debug("dropping redundant queued operation", "op", op.Type, "ticket_id", op.TicketID)
			continue
		}
		if err := m.send(ctx, conn, op.Type, op.TicketID, m.replayAck(op.Type, op.TicketID)); err != nil {
			m.logger.Warn("queued room operation failed", "op", op.Type, "ticket_id", op.TicketID, "error", err)
		}
	}
}

// scheduleReconnectLocked decides what follows a failed dial or a dropped
// channel. Offline failures are suppressed: no attempt is counted and
// the manager waits for NetworkChanged.
func (m *ConnectionManager) scheduleReconnectLocked(cause error) (ConnectionState, []stateHandler) {
	if !m.network.Reachable() {
		m.logger.Debug("connection error suppressed while offline", "error", cause)
		return StateDisconnected, m.setStateLocked(StateDisconnected)
	}
	if m.recon.exhausted() {
		m.logger.Warn("reconnect attempts exhausted", "attempts", m.recon.attempt, "error", cause)
		return StateError, m.setStateLocked(StateError)
	}
	delay := m.recon.nextDelay()
	m.logger.Info("scheduling reconnect", "attempt", m.recon.attempt, "delay", delay, "error", cause)
	m.timer = m.clock.AfterFunc(delay, m.reconnect)
	return StateReconnecting, m.setStateLocked(StateReconnecting)
}

func (m *ConnectionManager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	if m.intentionalClose || m.state == StateConnected || m.dialing {
		m.mu.Unlock()
		return
	}
	token := m.session.Token()
	if token == "" || !m.network.Reachable() {
		handlers := m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.notify(handlers, StateDisconnected)
		return
	}
	m.dialing = true
	m.mu.Unlock()

	if err := m.dial(context.Background(), token); err != nil {
		m.logger.Debug("reconnect attempt failed", "error", err)
	}
}

// ============================================================================
// Read Loop
// ============================================================================

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, errMalformedEnvelope) {
				m.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			m.handleDrop(conn, gen, err)
			return
		}

		if env.Type == eventAck {
			m.resolveAck(env.Payload)
			continue
		}

		m.mu.Lock()
		current := m.connGen == gen && m.conn == conn
		m.mu.Unlock()
		if !current {
			return
		}
		m.dispatcher.dispatch(env)
	}
}

func (m *ConnectionManager) handleDrop(conn Conn, gen uint64, cause error) {
	m.mu.Lock()
	if m.intentionalClose || m.connGen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	m.joinedOnConn = nil
	failed := m.takePendingLocked()
	state, handlers := m.scheduleReconnectLocked(cause)
	m.mu.Unlock()

	conn.Close("transport dropped")
	failPending(failed, ErrNotConnected)
	m.logger.Info("realtime channel dropped", "state", state, "error", cause)
	m.notify(handlers, state)
}

// ============================================================================
// Rooms
// ============================================================================

// JoinRoom subscribes to live updates for a ticket. While disconnected the
// join is queued and the room remembered for the next connect.
func (m *ConnectionManager) JoinRoom(ctx context.Context, ticketID int64) error {
	return m.roomOp(ctx, OpJoinRoom, ticketID)
}

// LeaveRoom drops live updates for a ticket.
func (m *ConnectionManager) LeaveRoom(ctx context.Context, ticketID int64) error {
	return m.roomOp(ctx, OpLeaveRoom, ticketID)
}

func (m *ConnectionManager) roomOp(ctx context.Context, op RoomOp, ticketID int64) error {
	m.mu.Lock()
	if op == OpJoinRoom {
		m.rooms[ticketID] = struct{}{}
	} else {
		delete(m.rooms, ticketID)
	}

	if m.state != StateConnected || m.conn == nil {
		m.enqueueLocked(QueuedOperation{Type: op, TicketID: ticketID})
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	if op == OpJoinRoom {
		m.joinedOnConn[ticketID] = struct{}{}
	} else {
		delete(m.joinedOnConn, ticketID)
	}
	m.mu.Unlock()

	result := make(chan error, 1)
	err := m.send(ctx, conn, op, ticketID, func(ack AckPayload, err error) {
		if err == nil && !ack.Success {
			m.rejected(op, ticketID, ack.Error)
			err = &RoomError{Op: op, TicketID: ticketID, Reason: ack.Error}
		}
		result <- err
	})
	if err != nil {
		return err
	}

	ackCtx, cancel := context.WithTimeout(ctx, m.config.AckTimeout)
	defer cancel()
	select {
	case err := <-result:
		return err
	case <-ackCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("room operation not acknowledged", "op", op, "ticket_id", ticketID)
		return ErrAckTimeout
	}
}

// enqueueLocked appends op, replacing any earlier queued operation for the
// same ticket so the queue holds only the latest intent.
func (m *ConnectionManager) enqueueLocked(op QueuedOperation) {
	kept := m.queue[:0]
	for _, q := range m.queue {
		if q.TicketID != op.TicketID {
			kept = append(kept, q)
		}
	}
	m.queue = append(kept, op)
}

// send writes a room command and registers cb for its ack.
func (m *ConnectionManager) send(ctx context.Context, conn Conn, op RoomOp, ticketID int64, cb ackCallback) error {
	cmd := &Command{
		Type:      op.command(),
		Payload:   RoomPayload{TicketID: ticketID},
		RequestID: uuid.NewString(),
	}

	m.mu.Lock()
	m.pending[cmd.RequestID] = cb
	m.mu.Unlock()

	if err := conn.Write(ctx, cmd); err != nil {
		m.mu.Lock()
		delete(m.pending, cmd.RequestID)
		m.mu.Unlock()
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return nil
}

// replayAck handles acks for commands nobody waits on.
func (m *ConnectionManager) replayAck(op RoomOp, ticketID int64) ackCallback {
	return func(ack AckPayload, err error) {
		if err == nil && !ack.Success {
			m.rejected(op, ticketID, ack.Error)
		}
	}
}

// rejected records a server refusal. A refused join leaves the desired
// set so later replays do not repeat it.
func (m *ConnectionManager) rejected(op RoomOp, ticketID int64, reason string) {
	m.logger.Warn("room operation rejected", "op", op, "ticket_id", ticketID, "reason", reason)
	if op != OpJoinRoom {
		return
	}
	m.mu.Lock()
	delete(m.rooms, ticketID)
	delete(m.joinedOnConn, ticketID)
	m.mu.Unlock()
}

func (m *ConnectionManager) resolveAck(raw json.RawMessage) {
	var ack AckPayload
	if err := json.Unmarshal(raw, &ack); err != nil {
		m.logger.Warn("dropping malformed ack", "error", err)
		return
	}
	m.mu.Lock()
	cb, ok := m.pending[ack.RequestID]
	delete(m.pending, ack.RequestID)
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("ack for unknown request", "request_id", ack.RequestID)
		return
	}
	cb(ack, nil)
}

func (m *ConnectionManager) takePendingLocked() []ackCallback {
	if len(m.pending) == 0 {
		return nil
	}
	out := make([]ackCallback, 0, len(m.pending))
	for id, cb := range m.pending {
		out = append(out, cb)
		delete(m.pending, id)
	}
	return out
}

func failPending(callbacks []ackCallback, err error) {
	for _, cb := range callbacks {
		cb(AckPayload{}, err)
	}
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
