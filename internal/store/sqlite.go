package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// created_at/last_active_at are stored as microseconds since the Unix
// epoch — plain INTEGER.Unix() would truncate to the second, losing
// the sub-second precision the wire schema promises and making
// save-then-get round-trips lossy relative to the postgres backend's
// TIMESTAMPTZ column.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	cwd             TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	last_active_at  INTEGER NOT NULL,
	message_count   INTEGER NOT NULL,
	status          TEXT NOT NULL,
	metadata_json   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_active
	ON sessions(user_id, last_active_at DESC);
`

// SQLiteStore is the embedded-file-backed Metadata Store. It holds a
// single persistent connection — never reopened per call — with WAL
// journaling and relaxed synchronous commit, matching the spec's
// "normal level on the relevant embedded engine".
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) the sqlite file at path
// and applies the pragmas required for a single-writer, durable-enough
// embedded store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, WrapBroken(fmt.Errorf("open sqlite store: %w", err))
	}
	// One process-wide lock around mutating statements: cap the pool
	// at a single connection so writes serialize through it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-65536",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, WrapBroken(fmt.Errorf("apply %q: %w", p, err))
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, WrapBroken(fmt.Errorf("apply schema: %w", err))
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess Session) error {
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, cwd, created_at, last_active_at, message_count, status, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id=excluded.user_id, cwd=excluded.cwd, created_at=excluded.created_at,
			last_active_at=excluded.last_active_at, message_count=excluded.message_count,
			status=excluded.status, metadata_json=excluded.metadata_json
	`, sess.SessionID, sess.UserID, sess.CWD, sess.CreatedAt.UnixMicro(), sess.LastActiveAt.UnixMicro(),
		sess.MessageCount, string(sess.Status), string(meta))
	if err != nil {
		return WrapUnavailable(fmt.Errorf("save session: %w", err))
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, cwd, created_at, last_active_at, message_count, status, metadata_json
		FROM sessions WHERE session_id = ?
	`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, WrapUnavailable(fmt.Errorf("get session: %w", err))
	}
	return sess, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return WrapUnavailable(fmt.Errorf("delete session: %w", err))
	}
	return nil
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, now time.Time, incrementMessage bool) error {
	query := `UPDATE sessions SET last_active_at = ? WHERE session_id = ?`
	args := []interface{}{now.UnixMicro(), id}
	if incrementMessage {
		query = `UPDATE sessions SET last_active_at = ?, message_count = message_count + 1 WHERE session_id = ?`
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return WrapUnavailable(fmt.Errorf("touch session: %w", err))
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]Session, error) {
	var rows *sql.Rows
	var err error
	if filter.UserID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT session_id, user_id, cwd, created_at, last_active_at, message_count, status, metadata_json
			FROM sessions WHERE user_id = ?
		`, filter.UserID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT session_id, user_id, cwd, created_at, last_active_at, message_count, status, metadata_json
			FROM sessions
		`)
	}
	if err != nil {
		return nil, WrapUnavailable(fmt.Errorf("list sessions: %w", err))
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, WrapUnavailable(fmt.Errorf("scan session: %w", err))
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapUnavailable(err)
	}

	if filter.Expr == "" {
		return out, nil
	}
	return evalListFilter(out, filter.Expr)
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	if ttl == 0 {
		return nil, nil
	}
	cutoff := now.Add(-ttl).UnixMicro()
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE last_active_at < ?`, cutoff)
	if err != nil {
		return nil, WrapUnavailable(fmt.Errorf("find expired sessions: %w", err))
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, WrapUnavailable(err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
			return ids, WrapUnavailable(fmt.Errorf("delete expired session %s: %w", id, err))
		}
	}
	return ids, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess           Session
		createdAt      int64
		lastActiveAt   int64
		status         string
		metadataJSON   string
	)
	if err := row.Scan(&sess.SessionID, &sess.UserID, &sess.CWD, &createdAt, &lastActiveAt,
		&sess.MessageCount, &status, &metadataJSON); err != nil {
		return Session{}, err
	}
	sess.CreatedAt = time.UnixMicro(createdAt).UTC()
	sess.LastActiveAt = time.UnixMicro(lastActiveAt).UTC()
	sess.Status = Status(status)
	sess.Metadata = map[string]string{}
	if metadataJSON != "" {
		_ = json.Unmarshal([]byte(metadataJSON), &sess.Metadata)
	}
	return sess, nil
}
