package inboxsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tickets (
	id                  INTEGER PRIMARY KEY,
	ticket_number       TEXT    NOT NULL DEFAULT '',
	customer_id         INTEGER NOT NULL DEFAULT 0,
	customer_name       TEXT    NOT NULL DEFAULT '',
	customer_phone      TEXT    NOT NULL DEFAULT '',
	status              TEXT    NOT NULL,
	unread_count        INTEGER NOT NULL DEFAULT 0,
	last_message_id     INTEGER,
	last_message_body   TEXT,
	last_message_at     INTEGER,
	last_message_status TEXT,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	resolved_at         INTEGER,
	resolved_by         INTEGER
);
CREATE INDEX IF NOT EXISTS tickets_resolved_at ON tickets(resolved_at);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY,
	ticket_id   INTEGER NOT NULL,
	body        TEXT    NOT NULL DEFAULT '',
	sender_type TEXT    NOT NULL DEFAULT '',
	status      TEXT    NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_ticket_id ON messages(ticket_id);
`

const ticketColumns = "id, ticket_number, customer_id, customer_name, customer_phone, status, " +
	"unread_count, last_message_id, last_message_body, last_message_at, last_message_status, " +
	"created_at, updated_at, resolved_at, resolved_by"

// SQLiteConfig configures OpenSQLiteStorage.
type SQLiteConfig struct {
	// Path is the database file. It is created if missing.
	Path string
	// PoolSize defaults to 4. Use 1 with ":memory:".
	PoolSize int
	Logger   *slog.Logger
}

// SQLiteStorage is the persistent LocalStore, backed by a WAL-mode SQLite
// connection pool.
type SQLiteStorage struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// OpenSQLiteStorage opens the database and creates the schema.
func OpenSQLiteStorage(ctx context.Context, cfg SQLiteConfig) (*SQLiteStorage, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite storage: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: opening %s: %w", cfg.Path, err)
	}

	s := &SQLiteStorage{pool: pool, logger: logger, path: cfg.Path}
	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlite storage: take: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlite storage: creating schema: %w", err)
	}

	logger.Info("sqlite storage opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes every pooled connection.
func (s *SQLiteStorage) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite storage: close %s: %w", s.path, err)
	}
	return nil
}

// ── Tickets ──────────────────────────────────────────────

// FindAllTickets returns every cached ticket, newest id first.
func (s *SQLiteStorage) FindAllTickets(ctx context.Context) ([]Ticket, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: find tickets: %w", err)
	}
	defer s.pool.Put(conn)

	var tickets []Ticket
	err = sqlitex.Execute(conn, "SELECT "+ticketColumns+" FROM tickets ORDER BY id DESC", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tickets = append(tickets, scanTicket(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: find tickets: %w", err)
	}
	return tickets, nil
}

// UpdateTicket writes the set fields of one ticket. Unknown ids are
// ignored.
func (s *SQLiteStorage) UpdateTicket(ctx context.Context, id int64, fields TicketFields) error {
	var sets []string
	var args []any
	if fields.UnreadCount != nil {
		sets = append(sets, "unread_count = ?")
		args = append(args, int64(*fields.UnreadCount))
	}
	if fields.LastMessageID != nil {
		sets = append(sets, "last_message_id = ?")
		args = append(args, *fields.LastMessageID)
	}
	if fields.LastMessage != nil {
		sets = append(sets, "last_message_body = ?", "last_message_at = ?", "last_message_status = ?")
		args = append(args, fields.LastMessage.Body, unixNanos(fields.LastMessage.CreatedAt), fields.LastMessage.Status)
	}
	if fields.UpdatedAt != nil {
		sets = append(sets, "updated_at = ?")
		args = append(args, unixNanos(*fields.UpdatedAt))
	}
	if fields.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?", "status = ?")
		args = append(args, unixNanos(*fields.ResolvedAt), string(StatusResolved))
	}
	if fields.ResolvedBy != nil {
		sets = append(sets, "resolved_by = ?")
		args = append(args, *fields.ResolvedBy)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite storage: update ticket %d: %w", id, err)
	}
	defer s.pool.Put(conn)

	query := "UPDATE tickets SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("sqlite storage: update ticket %d: %w", id, err)
	}
	return nil
}

// UpsertTickets inserts or replaces full rows in one transaction. An
// existing row whose last message is newer keeps its message state.
func (s *SQLiteStorage) UpsertTickets(ctx context.Context, tickets []Ticket) (err error) {
	if len(tickets) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite storage: upsert tickets: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	// A row carrying an older last message keeps the stored message
	// columns and unread count.
	const stale = "COALESCE(excluded.last_message_id, 0) < COALESCE(tickets.last_message_id, 0)"
	const query = "INSERT INTO tickets (" + ticketColumns + ") " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) " +
		"ON CONFLICT(id) DO UPDATE SET " +
		"ticket_number = excluded.ticket_number, customer_id = excluded.customer_id, " +
		"customer_name = excluded.customer_name, customer_phone = excluded.customer_phone, " +
		"status = excluded.status, " +
		"unread_count = CASE WHEN " + stale + " THEN tickets.unread_count ELSE excluded.unread_count END, " +
		"last_message_id = CASE WHEN " + stale + " THEN tickets.last_message_id ELSE excluded.last_message_id END, " +
		"last_message_body = CASE WHEN " + stale + " THEN tickets.last_message_body ELSE excluded.last_message_body END, " +
		"last_message_at = CASE WHEN " + stale + " THEN tickets.last_message_at ELSE excluded.last_message_at END, " +
		"last_message_status = CASE WHEN " + stale + " THEN tickets.last_message_status ELSE excluded.last_message_status END, " +
		"created_at = excluded.created_at, " +
		"updated_at = CASE WHEN " + stale + " THEN MAX(tickets.updated_at, excluded.updated_at) ELSE excluded.updated_at END, " +
		"resolved_at = excluded.resolved_at, resolved_by = excluded.resolved_by"

	for _, t := range tickets {
		t = t.Clone()
		t.normalize()
		if err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: ticketArgs(&t)}); err != nil {
			return fmt.Errorf("sqlite storage: upsert ticket %d: %w", t.ID, err)
		}
	}
	return nil
}

// CountTickets counts cached tickets in one partition.
func (s *SQLiteStorage) CountTickets(ctx context.Context, status Status) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlite storage: count tickets: %w", err)
	}
	defer s.pool.Put(conn)

	query := "SELECT COUNT(*) FROM tickets WHERE resolved_at IS NULL"
	if status == StatusResolved {
		query = "SELECT COUNT(*) FROM tickets WHERE resolved_at IS NOT NULL"
	}
	var n int
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite storage: count tickets: %w", err)
	}
	return n, nil
}

func ticketArgs(t *Ticket) []any {
	var lastID, lastBody, lastAt, lastStatus, resolvedAt, resolvedBy any
	if t.LastMessageID != nil {
		lastID = *t.LastMessageID
	}
	if t.LastMessage != nil {
		lastBody = t.LastMessage.Body
		lastAt = unixNanos(t.LastMessage.CreatedAt)
		lastStatus = t.LastMessage.Status
	}
	if t.ResolvedAt != nil {
		resolvedAt = unixNanos(*t.ResolvedAt)
	}
	if t.ResolvedBy != nil {
		resolvedBy = *t.ResolvedBy
	}
	return []any{
		t.ID, t.TicketNumber, t.CustomerID, t.Customer.Name, t.Customer.Phone, string(t.Status),
		int64(t.UnreadCount), lastID, lastBody, lastAt, lastStatus,
		unixNanos(t.CreatedAt), unixNanos(t.UpdatedAt), resolvedAt, resolvedBy,
	}
}

func scanTicket(stmt *sqlite.Stmt) Ticket {
	// Columns follow ticketColumns.
	t := Ticket{
		ID:           stmt.ColumnInt64(0),
		TicketNumber: stmt.ColumnText(1),
		CustomerID:   stmt.ColumnInt64(2),
		Status:       Status(stmt.ColumnText(5)),
		UnreadCount:  stmt.ColumnInt(6),
		CreatedAt:    fromUnixNanos(stmt.ColumnInt64(11)),
		UpdatedAt:    fromUnixNanos(stmt.ColumnInt64(12)),
	}
	t.Customer = Customer{ID: t.CustomerID, Name: stmt.ColumnText(3), Phone: stmt.ColumnText(4)}
	if !stmt.ColumnIsNull(7) {
		id := stmt.ColumnInt64(7)
		t.LastMessageID = &id
	}
	if !stmt.ColumnIsNull(8) {
		t.LastMessage = &LastMessage{
			Body:      stmt.ColumnText(8),
			CreatedAt: fromUnixNanos(stmt.ColumnInt64(9)),
			Status:    stmt.ColumnText(10),
		}
	}
	if !stmt.ColumnIsNull(13) {
		at := fromUnixNanos(stmt.ColumnInt64(13))
		t.ResolvedAt = &at
	}
	if !stmt.ColumnIsNull(14) {
		by := stmt.ColumnInt64(14)
		t.ResolvedBy = &by
	}
	t.Status = t.Partition()
	return t
}

// ── Messages ─────────────────────────────────────────────

// FindMessageByID returns the cached message or nil.
func (s *SQLiteStorage) FindMessageByID(ctx context.Context, id int64) (*Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: find message %d: %w", id, err)
	}
	defer s.pool.Put(conn)

	var msg *Message
	err = sqlitex.Execute(conn,
		"SELECT id, ticket_id, body, sender_type, status, created_at FROM messages WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				msg = &Message{
					ID:         stmt.ColumnInt64(0),
					TicketID:   stmt.ColumnInt64(1),
					Body:       stmt.ColumnText(2),
					SenderType: stmt.ColumnText(3),
					Status:     stmt.ColumnText(4),
					CreatedAt:  fromUnixNanos(stmt.ColumnInt64(5)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: find message %d: %w", id, err)
	}
	return msg, nil
}

// UpsertMessages inserts or replaces messages in one transaction.
func (s *SQLiteStorage) UpsertMessages(ctx context.Context, messages []Message) (err error) {
	if len(messages) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite storage: upsert messages: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	const query = "INSERT INTO messages (id, ticket_id, body, sender_type, status, created_at) " +
		"VALUES (?, ?, ?, ?, ?, ?) " +
		"ON CONFLICT(id) DO UPDATE SET ticket_id = excluded.ticket_id, body = excluded.body, " +
		"sender_type = excluded.sender_type, status = excluded.status, created_at = excluded.created_at"

	for _, m := range messages {
		err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{m.ID, m.TicketID, m.Body, m.SenderType, m.Status, unixNanos(m.CreatedAt)},
		})
		if err != nil {
			return fmt.Errorf("sqlite storage: upsert message %d: %w", m.ID, err)
		}
	}
	return nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
