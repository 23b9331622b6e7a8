package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session (or its refresh record) does not exist or has expired.
	ErrNotFound = errors.New("session not found")
	// ErrStoreUnavailable wraps every backend failure. Callers treat it as fail-closed.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrCorrupt is returned when a stored session cannot be decoded.
	ErrCorrupt = errors.New("session record corrupt")
	// ErrRefreshMismatch is returned when a presented refresh digest does not match the stored one.
	ErrRefreshMismatch = errors.New("refresh digest mismatch")
)

// Store persists sessions and their refresh-token digests.
//
// Every method is safe for concurrent use. Save, Touch, Get, Delete and
// RotateRefreshDigest are atomic per session. DeleteAllForUser is not atomic
// with a concurrent Save for the same user: a session created mid-call may survive.
type Store interface {
	// Save writes sess and its refresh digest with the given TTL and indexes it under the user.
	Save(ctx context.Context, sess *Session, refreshDigest [32]byte, ttl time.Duration) error
	// Get returns the live session or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Touch rewrites sess (normally with a new LastAccessAt) keeping the remaining TTL.
	// It never recreates a session that has been deleted; that case returns ErrNotFound.
	Touch(ctx context.Context, sess *Session) error
	// Delete removes the session, its refresh record and its index entry. Idempotent.
	Delete(ctx context.Context, sessionID string) error
	// DeleteAllForUser removes every session of userID and returns how many existed.
	DeleteAllForUser(ctx context.Context, userID string) (int, error)
	// ListForUser returns the live sessions of userID.
	ListForUser(ctx context.Context, userID string) ([]*Session, error)
	// RefreshDigest returns the stored refresh digest for sessionID or ErrNotFound.
	RefreshDigest(ctx context.Context, sessionID string) ([32]byte, error)
	// RotateRefreshDigest replaces current with next if current matches, keeping the TTL.
	// It returns ErrRefreshMismatch when current is stale and ErrNotFound when the session is gone.
	RotateRefreshDigest(ctx context.Context, sessionID string, current, next [32]byte) error
}
