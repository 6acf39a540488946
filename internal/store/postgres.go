package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	cwd             TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	last_active_at  TIMESTAMPTZ NOT NULL,
	message_count   INTEGER NOT NULL,
	status          TEXT NOT NULL,
	metadata_json   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_active
	ON sessions(user_id, last_active_at DESC);
`

// PostgresStore is the external-SQL Metadata Store backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to dsn and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, WrapBroken(fmt.Errorf("open postgres pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, WrapUnavailable(fmt.Errorf("ping postgres: %w", err))
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, WrapBroken(fmt.Errorf("apply schema: %w", err))
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Save(ctx context.Context, sess Session) error {
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, cwd, created_at, last_active_at, message_count, status, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id=excluded.user_id, cwd=excluded.cwd, created_at=excluded.created_at,
			last_active_at=excluded.last_active_at, message_count=excluded.message_count,
			status=excluded.status, metadata_json=excluded.metadata_json
	`, sess.SessionID, sess.UserID, sess.CWD, sess.CreatedAt, sess.LastActiveAt,
		sess.MessageCount, string(sess.Status), string(meta))
	if err != nil {
		return WrapUnavailable(fmt.Errorf("save session: %w", err))
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT session_id, user_id, cwd, created_at, last_active_at, message_count, status, metadata_json
		FROM sessions WHERE session_id = $1
	`, id)
	sess, err := scanPostgresSession(row)
	if err == pgx.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, WrapUnavailable(fmt.Errorf("get session: %w", err))
	}
	return sess, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, id); err != nil {
		return WrapUnavailable(fmt.Errorf("delete session: %w", err))
	}
	return nil
}

func (p *PostgresStore) Touch(ctx context.Context, id string, now time.Time, incrementMessage bool) error {
	query := `UPDATE sessions SET last_active_at = $1 WHERE session_id = $2`
	if incrementMessage {
		query = `UPDATE sessions SET last_active_at = $1, message_count = message_count + 1 WHERE session_id = $2`
	}
	if _, err := p.pool.Exec(ctx, query, now, id); err != nil {
		return WrapUnavailable(fmt.Errorf("touch session: %w", err))
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]Session, error) {
	var rows pgx.Rows
	var err error
	if filter.UserID != "" {
		rows, err = p.pool.Query(ctx, `
			SELECT session_id, user_id, cwd, created_at, last_active_at, message_count, status, metadata_json
			FROM sessions WHERE user_id = $1
		`, filter.UserID)
	} else {
		rows, err = p.pool.Query(ctx, `
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
		sess, err := scanPostgresSession(rows)
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

func (p *PostgresStore) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	if ttl == 0 {
		return nil, nil
	}
	cutoff := now.Add(-ttl)
	rows, err := p.pool.Query(ctx, `DELETE FROM sessions WHERE last_active_at < $1 RETURNING session_id`, cutoff)
	if err != nil {
		return nil, WrapUnavailable(fmt.Errorf("sweep expired sessions: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, WrapUnavailable(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

type pgRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPostgresSession(row pgRowScanner) (Session, error) {
	var (
		sess         Session
		status       string
		metadataJSON string
	)
	if err := row.Scan(&sess.SessionID, &sess.UserID, &sess.CWD, &sess.CreatedAt, &sess.LastActiveAt,
		&sess.MessageCount, &status, &metadataJSON); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	sess.Metadata = map[string]string{}
	if metadataJSON != "" {
		_ = json.Unmarshal([]byte(metadataJSON), &sess.Metadata)
	}
	return sess, nil
}
