// Package store implements the Metadata Store: a durable mapping from
// session_id to session metadata, with pluggable backends.
package store

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Session is the persisted metadata record for one session.
type Session struct {
	SessionID    string
	UserID       string
	CWD          string
	CreatedAt    time.Time
	LastActiveAt time.Time
	MessageCount int
	Status       Status
	Metadata     map[string]string
}

// ErrNotFound is returned by Get when no record matches the session id.
var ErrNotFound = errors.New("session not found")

// ListFilter narrows List results. UserID, when non-empty, restricts
// to that user. Expr, when non-empty, is a filterexpr predicate
// evaluated against each candidate session; it is a superset of the
// plain user_id filter and defaults to matching everything.
type ListFilter struct {
	UserID string
	Expr   string
}

// Store is the pluggable Metadata Store backend contract.
type Store interface {
	// Save upserts by SessionID. Durable on return for persistent
	// variants.
	Save(ctx context.Context, s Session) error
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Session, error)
	// Delete removes the record for id. Missing id is not an error.
	Delete(ctx context.Context, id string) error
	// Touch atomically advances last_active_at to now and, if
	// incrementMessage is true, increments message_count by one.
	// Missing id is not an error.
	Touch(ctx context.Context, id string, now time.Time, incrementMessage bool) error
	// List enumerates the sessions matching filter. Order is
	// unspecified.
	List(ctx context.Context, filter ListFilter) ([]Session, error)
	// SweepExpired removes records whose last_active_at+ttl < now and
	// returns the removed ids. ttl == 0 is a no-op.
	SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error)
	// Close releases the backend's resources.
	Close() error
}

// Broken distinguishes a fatal storage error (bad schema, malformed
// DSN — should fail the process at startup) from a transient one
// (connection refused — retryable, surfaced as StorageUnavailable by
// callers).
type Broken interface {
	Broken() bool
}

type brokenError struct {
	error
	broken bool
}

func (b brokenError) Broken() bool { return b.broken }

// WrapBroken marks err as a fatal, non-retryable storage error.
func WrapBroken(err error) error {
	if err == nil {
		return nil
	}
	return brokenError{err, true}
}

// WrapUnavailable marks err as a transient, retryable storage error.
func WrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return brokenError{err, false}
}

// IsBroken reports whether err (or a wrapped cause) is fatal.
func IsBroken(err error) bool {
	var b Broken
	if errors.As(err, &b) {
		return b.Broken()
	}
	return false
}
