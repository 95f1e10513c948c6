package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	_ "modernc.org/sqlite"             // SQLite driver ("sqlite")

	"atelier/pkg/logx"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *logx.Logger
}

// OpenSQLite opens (creating if needed) a SQLite database file with WAL and a busy timeout.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return NewSQLStore(ctx, db, DialectSQLite)
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewSQLStore(ctx, db, DialectPostgres)
}

// Open picks the dialect from driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch Dialect(driver) {
	case DialectSQLite:
		return OpenSQLite(ctx, dsn)
	case DialectPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

// NewSQLStore pings db and migrates its schema.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initializeSchemaWithMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialect, logger: logx.NewLogger("persistence")}
	s.logger.Info("📦 Session store ready (%s, schema v%d)", dialect, CurrentSchemaVersion)
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sessionColumns = `session_id, user_id, status, current_node, interrupt_payload, state_json, error, created_at, updated_at`

func (s *SQLStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`), sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func (s *SQLStore) Put(ctx context.Context, sess *Session) error {
	stateJSON, payload, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			current_node = excluded.current_node,
			interrupt_payload = excluded.interrupt_payload,
			state_json = excluded.state_json,
			error = excluded.error,
			updated_at = excluded.updated_at
	`), sess.SessionID, sess.UserID, sess.Status, sess.CurrentNode, payload, stateJSON, sess.Error,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.SessionID, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, sess *Session) error {
	stateJSON, payload, err := encodeSession(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET
			user_id = ?, status = ?, current_node = ?, interrupt_payload = ?,
			state_json = ?, error = ?, updated_at = ?
		WHERE session_id = ?
	`), sess.UserID, sess.Status, sess.CurrentNode, payload, stateJSON, sess.Error,
		formatTime(sess.UpdatedAt), sess.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM sessions WHERE session_id = ?`), sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session %s: %w", sessionID, err)
	}
	return true, nil
}

func encodeSession(sess *Session) (stateJSON, payload string, err error) {
	raw, err := json.Marshal(sess.State)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode state of %s: %w", sess.SessionID, err)
	}
	if sess.InterruptPayload != nil {
		p, err := json.Marshal(sess.InterruptPayload)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode interrupt payload of %s: %w", sess.SessionID, err)
		}
		payload = string(p)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	return string(raw), payload, nil
}

func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE updated_at < ?`), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("🧹 Purged %d sessions older than %s", n, cutoff.UTC().Format(time.RFC3339))
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanSession scans a session row into a Session struct.
func scanSession(row scanner) (*Session, error) {
	var (
		sess               Session
		payload, stateJSON string
		created, updated   string
	)
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Status, &sess.CurrentNode, &payload,
		&stateJSON, &sess.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err //nolint:wrapcheck // callers map to ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
		return nil, fmt.Errorf("failed to decode state of %s: %w", sess.SessionID, err)
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &sess.InterruptPayload); err != nil {
			return nil, fmt.Errorf("failed to decode interrupt payload of %s: %w", sess.SessionID, err)
		}
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return &sess, nil
}
