// Package database is the SQLite implementation of interfaces.Store.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	dbconfig "courier/pkg/database"
	"courier/pkg/interfaces"
	"courier/pkg/types"
)

var (
	ErrStoreClosed  = errors.New("database store is closed")
	ErrWriteTimeout = errors.New("write operation timeout")
)

// stateRank mirrors types.MessageState.Rank inside SQL so the monotonic check
// and the write happen in one statement
const stateRank = `CASE state WHEN 'SENT' THEN 0 WHEN 'DELIVERED' THEN 1 WHEN 'SEEN' THEN 2 END`

// Store implements interfaces.Store on SQLite
type Store struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	stopped      chan struct{} // closed once writeLoop has answered its last op
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open opens the database, applies pending migrations and validates the schema.
// FUNCTIONAL DISCOVERY: Any failure here is fatal to startup; the subsystem must
// not accept connections with a store it cannot reach
func Open(config *dbconfig.Config, log *slog.Logger) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	applied, err := dbconfig.NewMigrationManager(db).ApplyMigrations()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	log.Info("database ready", "path", config.DatabasePath, "migrations_applied", applied)

	store := &Store{
		db:           db,
		config:       config,
		log:          log,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	store.wg.Add(1)
	go store.writeLoop()

	return store, nil
}

// writeLoop processes all write operations in a single goroutine
func (s *Store) writeLoop() {
	defer s.wg.Done()
	defer close(s.stopped)

	for {
		// Shutdown wins over a non-empty queue so nothing new runs after Close
		select {
		case <-s.shutdown:
			s.log.Debug("database write loop shutting down", "pending", s.drainWrites())
			return
		default:
		}

		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			// FUNCTIONAL DISCOVERY: Only lock contention is worth one retry;
			// constraint and syntax errors fail the same way twice
			if isBusy(err) {
				s.log.Warn("database busy, retrying write", "delay", s.config.RetryDelay, "error", err)
				time.Sleep(s.config.RetryDelay)
				err = op.operation(s.db)
			}
			op.result <- err

		case <-s.shutdown:
			s.log.Debug("database write loop shutting down", "pending", s.drainWrites())
			return
		}
	}
}

// drainWrites answers every op still buffered at shutdown with ErrStoreClosed
func (s *Store) drainWrites() int {
	drained := 0
	for {
		select {
		case op := <-s.writeChannel:
			op.result <- ErrStoreClosed
			drained++
		default:
			return drained
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// executeWrite queues a write operation and waits for completion
func (s *Store) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(s.config.WriteTimeout)
	defer timer.Stop()

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteTimeout
	case <-s.shutdown:
		return ErrStoreClosed
	}

	// TECHNICAL DISCOVERY: A queued op is either run or drained by writeLoop.
	// An op enqueued after the drain is never read, so stop waiting once the
	// loop has exited; result is buffered and the writer never blocks on it
	select {
	case err := <-result:
		return err
	case <-s.stopped:
		select {
		case err := <-result:
			return err
		default:
			return ErrStoreClosed
		}
	}
}

// CreateMessage inserts message in state SENT, assigning its ID and CreatedAt
func (s *Store) CreateMessage(ctx context.Context, message *types.Message) error {
	id := uuid.NewString()
	var createdAt time.Time

	err := s.executeWrite(ctx, func(db *sql.DB) error {
		// Stamped inside the writer so created_at order matches insert order
		createdAt = time.Now().UTC()
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, sender_id, receiver_id, content, state, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, message.SenderID, message.ReceiverID, message.Content, types.StateSent, createdAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	message.ID = id
	message.CreatedAt = createdAt
	message.State = types.StateSent
	message.DeliveredAt = nil
	message.SeenAt = nil
	return nil
}

// UpdateMessageState moves a message forward and returns the affected row count
// TECHNICAL DISCOVERY: Authorization (receiver scope) and monotonicity are both
// WHERE-clause conditions of one UPDATE, so SQLite's statement atomicity is the
// only synchronization needed
func (s *Store) UpdateMessageState(ctx context.Context, messageID string, receiverID *string, state types.MessageState, at time.Time) (int64, error) {
	if !state.Valid() {
		return 0, fmt.Errorf("%w: %q", types.ErrInvalidState, state)
	}

	var query strings.Builder
	query.WriteString(`
		UPDATE messages SET
			state = ?,
			delivered_at = CASE WHEN ? = 'DELIVERED' AND delivered_at IS NULL THEN ? ELSE delivered_at END,
			seen_at = CASE WHEN ? = 'SEEN' AND seen_at IS NULL THEN ? ELSE seen_at END
		WHERE id = ? AND ` + stateRank + ` <= ?`)
	at = at.UTC()
	args := []any{state, state, at, state, at, messageID, state.Rank()}
	if receiverID != nil {
		query.WriteString(` AND receiver_id = ?`)
		args = append(args, *receiverID)
	}

	var affected int64
	err := s.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, query.String(), args...)
		if err != nil {
			return fmt.Errorf("failed to update message state: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// GetMessage retrieves one message by ID
func (s *Store) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, content, state, created_at, delivered_at, seen_at
		FROM messages
		WHERE id = ?
	`, messageID)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return message, nil
}

// GetConversation returns the latest limit messages between two identities, oldest first
func (s *Store) GetConversation(ctx context.Context, identityA, identityB string, limit int) ([]*types.Message, error) {
	// ARCHITECTURAL DISCOVERY: Inner query picks the newest rows, outer query
	// restores chronological order; rowid breaks created_at ties
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, state, created_at, delivered_at, seen_at
		FROM (
			SELECT *, rowid AS seq FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, seq ASC
	`, identityA, identityB, identityB, identityA, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return messages, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*types.Message, error) {
	var (
		message     types.Message
		deliveredAt sql.NullTime
		seenAt      sql.NullTime
	)
	err := row.Scan(
		&message.ID,
		&message.SenderID,
		&message.ReceiverID,
		&message.Content,
		&message.State,
		&message.CreatedAt,
		&deliveredAt,
		&seenAt,
	)
	if err != nil {
		return nil, err
	}

	if deliveredAt.Valid {
		message.DeliveredAt = &deliveredAt.Time
	}
	if seenAt.Valid {
		message.SeenAt = &seenAt.Time
	}
	return &message, nil
}

// GetUser resolves an identity from the user directory
func (s *Store) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var user types.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = ?`, userID,
	).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// CreateUser adds an identity to the directory
func (s *Store) CreateUser(ctx context.Context, user *types.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)`,
			user.ID, user.DisplayName, user.CreatedAt,
		)
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return interfaces.ErrUserExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity and a basic read
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// Close shuts down the write loop and the connection pool
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// applySQLiteOptimizations applies performance pragmas
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

var _ interfaces.Store = (*Store)(nil)
