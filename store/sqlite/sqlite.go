/*
Package sqlite provides a SQLite-backed implementation of loyalty.TxStore.

PURPOSE:
  Durable storage for users, the transaction ledger, events and
  promotions. The same statements port to PostgreSQL with minor dialect
  changes (placeholders, upsert syntax).

INTERFACES IMPLEMENTED:
  loyalty.UserStore, loyalty.TransactionStore, loyalty.EventStore,
  loyalty.PromotionStore, loyalty.TxStore

APPEND-ONLY ENFORCEMENT:
  - Transactions are only INSERTed
  - The two UPDATEs touch suspicious and (status, processed_by)
  - No DELETE statement on the transactions table

PRECONDITION UPDATES:
  Balance and pool changes are single conditional UPDATEs:

    UPDATE users  SET points = points + ?
     WHERE utorid = ? AND points + ? >= 0
    UPDATE events SET points_awarded = points_awarded + ?
     WHERE id = ? AND points_awarded + ? <= points_total

  Zero affected rows means the precondition failed; nothing is written.
  CHECK constraints on both columns back this up.

KEY TABLES:
  users:                  Accounts and point balances
  transactions:           Append-only ledger rows
  transaction_promotions: Promotions applied to a row
  events, event_members:  Event pools and (event, utorid) -> role
  promotions:             Promotion definitions
  promotion_usage:        One-time promotions consumed, PK(promotion, utorid)

CONCURRENCY:
  The DSN sets _txlock=immediate so WithTx takes the write lock at BEGIN.
  A second writer waits up to the busy timeout and then gets
  loyalty.ErrConcurrentModification, which the service retries. WithTx
  also serializes writers in-process with a mutex.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc, err := loyalty.NewService(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-ledger/loyalty"
)

// timeLayout is fixed-width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements loyalty.TxStore using SQLite.
//
// Methods called directly on Store run in autocommit mode. Multi-step
// writes go through WithTx.
type Store struct {
	conn
	db *sql.DB
	mu sync.Mutex
}

var _ loyalty.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer, and every ":memory:" connection is its
	// own database.
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		utorid TEXT PRIMARY KEY,
		id INTEGER NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		role INTEGER NOT NULL,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		suspicious BOOLEAN NOT NULL DEFAULT FALSE,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		created_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY,
		tx_type TEXT NOT NULL,
		utorid TEXT NOT NULL,
		amount INTEGER NOT NULL,
		spent TEXT,
		related_id INTEGER,
		remark TEXT,
		created_by TEXT NOT NULL,
		suspicious BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT,
		processed_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_utorid
		ON transactions(utorid, id);
	CREATE INDEX IF NOT EXISTS idx_transactions_type
		ON transactions(tx_type);
	CREATE INDEX IF NOT EXISTS idx_transactions_related
		ON transactions(related_id) WHERE related_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS transaction_promotions (
		transaction_id INTEGER NOT NULL REFERENCES transactions(id),
		promotion_id INTEGER NOT NULL,
		PRIMARY KEY (transaction_id, promotion_id)
	);

	CREATE INDEX IF NOT EXISTS idx_transaction_promotions_promotion
		ON transaction_promotions(promotion_id);

	-- Events
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		location TEXT,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		capacity INTEGER,
		points_total INTEGER NOT NULL DEFAULT 0,
		points_awarded INTEGER NOT NULL DEFAULT 0,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT,
		created_at TEXT NOT NULL,
		CHECK (points_awarded >= 0 AND points_awarded <= points_total)
	);

	-- A user holds at most one role per event
	CREATE TABLE IF NOT EXISTS event_members (
		event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		utorid TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('guest', 'organizer')),
		added_at INTEGER NOT NULL,
		PRIMARY KEY (event_id, utorid)
	);

	-- Promotions
	CREATE TABLE IF NOT EXISTS promotions (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		promo_type TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		min_spending TEXT,
		rate TEXT,
		points INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_promotions_window
		ON promotions(start_time, end_time);

	CREATE TABLE IF NOT EXISTS promotion_usage (
		promotion_id INTEGER NOT NULL,
		utorid TEXT NOT NULL,
		used_at TEXT NOT NULL,
		PRIMARY KEY (promotion_id, utorid)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

// Reset deletes every row. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{
		"promotion_usage", "transaction_promotions", "transactions",
		"event_members", "events", "promotions", "users",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every loyalty.Store operation against q.
type conn struct {
	q queryer
}

// =============================================================================
// USER STORE
// =============================================================================

func (c *conn) CreateUser(ctx context.Context, u *loyalty.User) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO users (utorid, id, name, email, role, verified, suspicious, points, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Utorid, u.ID, u.Name, nullString(u.Email), int(u.Role),
		u.Verified, u.Suspicious, u.Points, formatTime(u.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return loyalty.ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", mapError(err))
	}
	return nil
}

func (c *conn) GetUser(ctx context.Context, utorid string) (*loyalty.User, error) {
	var (
		u         loyalty.User
		email     sql.NullString
		role      int
		createdAt string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT utorid, id, name, email, role, verified, suspicious, points, created_at
		FROM users WHERE utorid = ?`, utorid,
	).Scan(&u.Utorid, &u.ID, &u.Name, &email, &role, &u.Verified, &u.Suspicious, &u.Points, &createdAt)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", mapError(err))
	}
	u.Email = email.String
	u.Role = loyalty.Role(role)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (c *conn) UpdateUser(ctx context.Context, utorid string, upd loyalty.UserUpdate) error {
	w := &clauses{}
	if upd.Role != nil {
		w.add("role = ?", int(*upd.Role))
	}
	if upd.Verified != nil {
		w.add("verified = ?", *upd.Verified)
	}
	if upd.Suspicious != nil {
		w.add("suspicious = ?", *upd.Suspicious)
	}
	if len(w.parts) == 0 {
		_, err := c.GetUser(ctx, utorid)
		return err
	}

	res, err := c.q.ExecContext(ctx,
		"UPDATE users SET "+strings.Join(w.parts, ", ")+" WHERE utorid = ?",
		append(w.args, utorid)...,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrUserNotFound
	}
	return nil
}

func (c *conn) AdjustBalance(ctx context.Context, utorid string, delta int64) (int64, error) {
	// Both bounds are checked without evaluating points + delta, which
	// SQLite would promote to REAL on overflow.
	ceiling := int64(math.MaxInt64)
	if delta > 0 {
		ceiling -= delta
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE users SET points = points + ?
		WHERE utorid = ? AND points >= ? AND points <= ?`,
		delta, utorid, -delta, ceiling,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust balance: %w", mapError(err))
	}

	u, err := c.GetUser(ctx, utorid)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if delta > 0 {
			return u.Points, fmt.Errorf("%w: balance of %s would overflow", loyalty.ErrInvalidAmount, utorid)
		}
		return u.Points, &loyalty.InsufficientFundsError{Utorid: utorid, Available: u.Points, Requested: -delta}
	}
	return u.Points, nil
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (c *conn) AppendTransactions(ctx context.Context, txs ...loyalty.Transaction) error {
	for _, tx := range txs {
		var spent sql.NullString
		if tx.Spent != nil {
			spent = sql.NullString{String: tx.Spent.String(), Valid: true}
		}
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO transactions
			(id, tx_type, utorid, amount, spent, related_id, remark, created_by,
			 suspicious, status, processed_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.ID, string(tx.Type), tx.Utorid, tx.Amount, spent, nullInt64(tx.RelatedID),
			nullString(tx.Remark), tx.CreatedBy, tx.Suspicious, nullString(string(tx.Status)),
			nullString(tx.ProcessedBy), formatTime(tx.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: transaction id %d already taken", loyalty.ErrConcurrentModification, tx.ID)
			}
			return fmt.Errorf("failed to append transaction: %w", mapError(err))
		}
		for _, pid := range tx.PromotionIDs {
			_, err := c.q.ExecContext(ctx,
				"INSERT OR IGNORE INTO transaction_promotions (transaction_id, promotion_id) VALUES (?, ?)",
				tx.ID, pid,
			)
			if err != nil {
				return fmt.Errorf("failed to link promotion: %w", mapError(err))
			}
		}
	}
	return nil
}

const transactionColumns = `
	t.id, t.tx_type, t.utorid, t.amount, t.spent, t.related_id, t.remark, t.created_by,
	t.suspicious, t.status, t.processed_by, t.created_at,
	(SELECT GROUP_CONCAT(promotion_id) FROM transaction_promotions WHERE transaction_id = t.id)`

func (c *conn) GetTransaction(ctx context.Context, id int64) (*loyalty.Transaction, error) {
	txs, err := c.queryTransactions(ctx,
		"SELECT "+transactionColumns+" FROM transactions t WHERE t.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, loyalty.ErrTransactionNotFound
	}
	return &txs[0], nil
}

func (c *conn) ListTransactions(ctx context.Context, f loyalty.TransactionFilter) ([]loyalty.Transaction, int, error) {
	w := &clauses{}
	if f.Utorid != "" {
		w.add("t.utorid = ?", f.Utorid)
	}
	if f.Type != "" {
		w.add("t.tx_type = ?", string(f.Type))
	}
	if f.RelatedID != nil {
		w.add("t.related_id = ?", *f.RelatedID)
	}
	if f.PromotionID != nil {
		w.add("EXISTS (SELECT 1 FROM transaction_promotions tp WHERE tp.transaction_id = t.id AND tp.promotion_id = ?)", *f.PromotionID)
	}
	if f.CreatedBy != "" {
		w.add("t.created_by = ?", f.CreatedBy)
	}
	if f.Suspicious != nil {
		w.add("t.suspicious = ?", *f.Suspicious)
	}
	if f.MinAmount != nil {
		w.add("t.amount >= ?", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		w.add("t.amount <= ?", *f.MaxAmount)
	}

	total, err := c.count(ctx, "transactions t", w)
	if err != nil {
		return nil, 0, err
	}
	query := "SELECT " + transactionColumns + " FROM transactions t" + w.where() + " ORDER BY t.id" + page(f.Limit, f.Offset)
	txs, err := c.queryTransactions(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (c *conn) SetTransactionSuspicious(ctx context.Context, id int64, suspicious bool) error {
	res, err := c.q.ExecContext(ctx, "UPDATE transactions SET suspicious = ? WHERE id = ?", suspicious, id)
	if err != nil {
		return fmt.Errorf("failed to set suspicious: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrTransactionNotFound
	}
	return nil
}

func (c *conn) TransitionRedemption(ctx context.Context, id int64, status loyalty.RedemptionStatus, by string) error {
	processedBy := sql.NullString{}
	if status == loyalty.RedemptionProcessed {
		processedBy = nullString(by)
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE transactions SET status = ?, processed_by = ?
		WHERE id = ? AND tx_type = ? AND status = ?`,
		string(status), processedBy, id, string(loyalty.TxRedemption), string(loyalty.RedemptionRequested),
	)
	if err != nil {
		return fmt.Errorf("failed to transition redemption: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	tx, err := c.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case tx.Type != loyalty.TxRedemption:
		return loyalty.ErrNotRedemption
	case tx.Status == loyalty.RedemptionCancelled:
		return loyalty.ErrRedemptionCancelled
	default:
		return loyalty.ErrAlreadyProcessed
	}
}

func (c *conn) queryTransactions(ctx context.Context, query string, args ...any) ([]loyalty.Transaction, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", mapError(err))
	}
	defer rows.Close()

	var transactions []loyalty.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (loyalty.Transaction, error) {
	var (
		tx           loyalty.Transaction
		txType       string
		spent        sql.NullString
		relatedID    sql.NullInt64
		remark       sql.NullString
		status       sql.NullString
		processedBy  sql.NullString
		createdAt    string
		promotionIDs sql.NullString
	)

	err := rows.Scan(
		&tx.ID, &txType, &tx.Utorid, &tx.Amount, &spent, &relatedID, &remark, &tx.CreatedBy,
		&tx.Suspicious, &status, &processedBy, &createdAt, &promotionIDs,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Type = loyalty.TransactionType(txType)
	if spent.Valid {
		d, err := decimal.NewFromString(spent.String)
		if err != nil {
			return tx, fmt.Errorf("failed to parse spent %q: %w", spent.String, err)
		}
		tx.Spent = &d
	}
	if relatedID.Valid {
		id := relatedID.Int64
		tx.RelatedID = &id
	}
	tx.Remark = remark.String
	tx.Status = loyalty.RedemptionStatus(status.String)
	tx.ProcessedBy = processedBy.String
	tx.CreatedAt = parseTime(createdAt)
	tx.PromotionIDs = parseIDList(promotionIDs.String)

	return tx, nil
}

// =============================================================================
// EVENT STORE
// =============================================================================

func (c *conn) CreateEvent(ctx context.Context, e *loyalty.Event) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO events
		(id, name, description, location, start_time, end_time, capacity,
		 points_total, points_awarded, published, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		e.ID, e.Name, nullString(e.Description), nullString(e.Location),
		formatTime(e.StartTime), formatTime(e.EndTime), nullInt(e.Capacity),
		e.PointsTotal, e.Published, nullString(e.CreatedBy), formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: event id %d already taken", loyalty.ErrConcurrentModification, e.ID)
		}
		return fmt.Errorf("failed to create event: %w", mapError(err))
	}
	return nil
}

const eventColumns = `
	id, name, description, location, start_time, end_time, capacity,
	points_total, points_awarded, published, created_by, created_at`

func (c *conn) GetEvent(ctx context.Context, id int64) (*loyalty.Event, error) {
	events, err := c.queryEvents(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, loyalty.ErrEventNotFound
	}
	return &events[0], nil
}

func (c *conn) ListEvents(ctx context.Context, f loyalty.EventFilter) ([]loyalty.Event, int, error) {
	w := &clauses{}
	if f.Name != "" {
		w.add("name LIKE '%' || ? || '%'", f.Name)
	}
	if f.Location != "" {
		w.add("location LIKE '%' || ? || '%'", f.Location)
	}
	if f.Published != nil {
		w.add("published = ?", *f.Published)
	}
	if f.Organizer != "" {
		w.add("EXISTS (SELECT 1 FROM event_members m WHERE m.event_id = events.id AND m.utorid = ? AND m.role = 'organizer')", f.Organizer)
	}

	total, err := c.count(ctx, "events", w)
	if err != nil {
		return nil, 0, err
	}
	query := "SELECT " + eventColumns + " FROM events" + w.where() + " ORDER BY start_time, id" + page(f.Limit, f.Offset)
	events, err := c.queryEvents(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// UpdateEvent refuses a PointsTotal below the stored PointsAwarded, so a
// concurrent award cannot be overtaken.
func (c *conn) UpdateEvent(ctx context.Context, e *loyalty.Event) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE events SET
			name = ?, description = ?, location = ?, start_time = ?, end_time = ?,
			capacity = ?, points_total = ?, published = ?
		WHERE id = ? AND points_awarded <= ?`,
		e.Name, nullString(e.Description), nullString(e.Location),
		formatTime(e.StartTime), formatTime(e.EndTime), nullInt(e.Capacity),
		e.PointsTotal, e.Published, e.ID, e.PointsTotal,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	cur, err := c.GetEvent(ctx, e.ID)
	if err != nil {
		return err
	}
	return &loyalty.BelowAwardedError{EventID: e.ID, NewTotal: e.PointsTotal, Awarded: cur.PointsAwarded}
}

func (c *conn) DeleteEvent(ctx context.Context, id int64) error {
	res, err := c.q.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrEventNotFound
	}
	return nil
}

func (c *conn) AddPointsAwarded(ctx context.Context, id int64, delta int64) (int64, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE events SET points_awarded = points_awarded + ?
		WHERE id = ? AND points_awarded + ? <= points_total`,
		delta, id, delta,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to award event points: %w", mapError(err))
	}

	e, err := c.GetEvent(ctx, id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return e.PointsAwarded, &loyalty.InsufficientEventPointsError{
			EventID: id, Remaining: e.PointsRemain(), Requested: delta,
		}
	}
	return e.PointsAwarded, nil
}

func (c *conn) AddMember(ctx context.Context, eventID int64, utorid string, role loyalty.MembershipRole) error {
	var held string
	err := c.q.QueryRowContext(ctx,
		"SELECT role FROM event_members WHERE event_id = ? AND utorid = ?", eventID, utorid,
	).Scan(&held)
	switch {
	case err == nil:
		return &loyalty.RoleConflictError{EventID: eventID, Utorid: utorid, Held: loyalty.MembershipRole(held)}
	case err != sql.ErrNoRows:
		return fmt.Errorf("failed to check membership: %w", mapError(err))
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO event_members (event_id, utorid, role, added_at)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(added_at), 0) + 1 FROM event_members WHERE event_id = ?))`,
		eventID, utorid, string(role), eventID,
	)
	if err != nil {
		if isForeignKeyError(err) {
			return loyalty.ErrEventNotFound
		}
		return fmt.Errorf("failed to add member: %w", mapError(err))
	}
	return nil
}

func (c *conn) RemoveMember(ctx context.Context, eventID int64, utorid string, role loyalty.MembershipRole) error {
	if _, err := c.GetEvent(ctx, eventID); err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx,
		"DELETE FROM event_members WHERE event_id = ? AND utorid = ? AND role = ?",
		eventID, utorid, string(role),
	)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if role == loyalty.MemberOrganizer {
			return loyalty.ErrNotOrganizer
		}
		return loyalty.ErrNotGuest
	}
	return nil
}

func (c *conn) queryEvents(ctx context.Context, query string, args ...any) ([]loyalty.Event, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", mapError(err))
	}

	var events []loyalty.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Members are loaded after rows is closed; the store runs on one connection.
	for i := range events {
		if err := c.loadMembers(ctx, &events[i]); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (c *conn) loadMembers(ctx context.Context, e *loyalty.Event) error {
	rows, err := c.q.QueryContext(ctx,
		"SELECT utorid, role FROM event_members WHERE event_id = ? ORDER BY added_at", e.ID)
	if err != nil {
		return fmt.Errorf("failed to load members: %w", mapError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var utorid, role string
		if err := rows.Scan(&utorid, &role); err != nil {
			return fmt.Errorf("failed to scan member: %w", err)
		}
		if loyalty.MembershipRole(role) == loyalty.MemberOrganizer {
			e.Organizers = append(e.Organizers, utorid)
		} else {
			e.Guests = append(e.Guests, utorid)
		}
	}
	return rows.Err()
}

func scanEvent(rows *sql.Rows) (loyalty.Event, error) {
	var (
		e           loyalty.Event
		description sql.NullString
		location    sql.NullString
		startTime   string
		endTime     string
		capacity    sql.NullInt64
		createdBy   sql.NullString
		createdAt   string
	)

	err := rows.Scan(
		&e.ID, &e.Name, &description, &location, &startTime, &endTime, &capacity,
		&e.PointsTotal, &e.PointsAwarded, &e.Published, &createdBy, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	e.Description = description.String
	e.Location = location.String
	e.StartTime = parseTime(startTime)
	e.EndTime = parseTime(endTime)
	if capacity.Valid {
		n := int(capacity.Int64)
		e.Capacity = &n
	}
	e.CreatedBy = createdBy.String
	e.CreatedAt = parseTime(createdAt)

	return e, nil
}

// =============================================================================
// PROMOTION STORE
// =============================================================================

func (c *conn) CreatePromotion(ctx context.Context, p *loyalty.Promotion) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO promotions
		(id, name, description, promo_type, start_time, end_time, min_spending, rate, points, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullString(p.Description), string(p.Type),
		formatTime(p.StartTime), formatTime(p.EndTime),
		nullDecimal(p.MinSpending), nullDecimal(p.Rate), nullInt64(p.Points), formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: promotion id %d already taken", loyalty.ErrConcurrentModification, p.ID)
		}
		return fmt.Errorf("failed to create promotion: %w", mapError(err))
	}
	return nil
}

const promotionColumns = `
	id, name, description, promo_type, start_time, end_time, min_spending, rate, points, created_at`

func (c *conn) GetPromotion(ctx context.Context, id int64) (*loyalty.Promotion, error) {
	promos, err := c.queryPromotions(ctx, "SELECT "+promotionColumns+" FROM promotions WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(promos) == 0 {
		return nil, loyalty.ErrPromotionNotFound
	}
	return &promos[0], nil
}

func (c *conn) ListPromotions(ctx context.Context, f loyalty.PromotionFilter) ([]loyalty.Promotion, int, error) {
	w := &clauses{}
	if f.Name != "" {
		w.add("name LIKE '%' || ? || '%'", f.Name)
	}
	if f.Type != "" {
		w.add("promo_type = ?", string(f.Type))
	}
	if f.ActiveAt != nil {
		at := formatTime(*f.ActiveAt)
		w.add("start_time <= ? AND end_time > ?", at, at)
	}

	total, err := c.count(ctx, "promotions", w)
	if err != nil {
		return nil, 0, err
	}
	query := "SELECT " + promotionColumns + " FROM promotions" + w.where() + " ORDER BY id" + page(f.Limit, f.Offset)
	promos, err := c.queryPromotions(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	return promos, total, nil
}

func (c *conn) UpdatePromotion(ctx context.Context, p *loyalty.Promotion) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE promotions SET
			name = ?, description = ?, promo_type = ?, start_time = ?, end_time = ?,
			min_spending = ?, rate = ?, points = ?
		WHERE id = ?`,
		p.Name, nullString(p.Description), string(p.Type),
		formatTime(p.StartTime), formatTime(p.EndTime),
		nullDecimal(p.MinSpending), nullDecimal(p.Rate), nullInt64(p.Points), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update promotion: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrPromotionNotFound
	}
	return nil
}

func (c *conn) DeletePromotion(ctx context.Context, id int64) error {
	res, err := c.q.ExecContext(ctx, "DELETE FROM promotions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete promotion: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrPromotionNotFound
	}
	return nil
}

func (c *conn) MarkPromotionUsed(ctx context.Context, promotionID int64, utorid string) error {
	_, err := c.q.ExecContext(ctx,
		"INSERT INTO promotion_usage (promotion_id, utorid, used_at) VALUES (?, ?, ?)",
		promotionID, utorid, formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &loyalty.PromotionUsedError{PromotionID: promotionID, Utorid: utorid}
		}
		return fmt.Errorf("failed to mark promotion used: %w", mapError(err))
	}
	return nil
}

func (c *conn) PromotionUsed(ctx context.Context, promotionID int64, utorid string) (bool, error) {
	var count int
	err := c.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM promotion_usage WHERE promotion_id = ? AND utorid = ?",
		promotionID, utorid,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check promotion usage: %w", mapError(err))
	}
	return count > 0, nil
}

func (c *conn) queryPromotions(ctx context.Context, query string, args ...any) ([]loyalty.Promotion, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query promotions: %w", mapError(err))
	}
	defer rows.Close()

	var promos []loyalty.Promotion
	for rows.Next() {
		var (
			p           loyalty.Promotion
			description sql.NullString
			promoType   string
			startTime   string
			endTime     string
			minSpending sql.NullString
			rate        sql.NullString
			points      sql.NullInt64
			createdAt   string
		)
		err := rows.Scan(&p.ID, &p.Name, &description, &promoType, &startTime, &endTime,
			&minSpending, &rate, &points, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan promotion: %w", err)
		}
		p.Description = description.String
		p.Type = loyalty.PromotionType(promoType)
		p.StartTime = parseTime(startTime)
		p.EndTime = parseTime(endTime)
		if p.MinSpending, err = parseDecimal(minSpending); err != nil {
			return nil, err
		}
		if p.Rate, err = parseDecimal(rate); err != nil {
			return nil, err
		}
		if points.Valid {
			n := points.Int64
			p.Points = &n
		}
		p.CreatedAt = parseTime(createdAt)
		promos = append(promos, p)
	}

	return promos, rows.Err()
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

// clauses accumulates SQL fragments and their arguments.
type clauses struct {
	parts []string
	args  []any
}

func (w *clauses) add(part string, args ...any) {
	w.parts = append(w.parts, part)
	w.args = append(w.args, args...)
}

func (w *clauses) where() string {
	if len(w.parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.parts, " AND ")
}

func (c *conn) count(ctx context.Context, from string, w *clauses) (int, error) {
	var n int
	if err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+from+w.where(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", mapError(err))
	}
	return n, nil
}

func page(limit, offset int) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	if limit <= 0 {
		limit = -1
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, max(offset, 0))
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse decimal %q: %w", s.String, err)
	}
	return &d, nil
}

// parseIDList parses a GROUP_CONCAT result into ascending ids.
func parseIDList(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// mapError turns lock contention into loyalty.ErrConcurrentModification.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", loyalty.ErrConcurrentModification, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
