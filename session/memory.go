package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	refresh   [32]byte
	userID    string
	expiresAt time.Time
}

// MemoryStore is an in-process [Store]. Expiry is lazy: entries past their
// TTL are treated as absent and purged on the next access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// SetClock replaces the store clock. Intended for tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) live(sessionID string) (*memoryEntry, bool) {
	e, ok := m.entries[sessionID]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, sessionID)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) Save(ctx context.Context, sess *Session, refreshDigest [32]byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	if sess == nil || sess.SessionID == "" {
		return errors.New("session id required")
	}
	if ttl <= 0 {
		return errors.New("session ttl must be > 0")
	}
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sess.SessionID] = &memoryEntry{
		data:      data,
		refresh:   refreshDigest,
		userID:    sess.UserID,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	e, ok := m.live(sessionID)
	var data []byte
	if ok {
		data = e.data
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, ErrCorrupt
	}
	sess.SessionID = sessionID
	return sess, nil
}

func (m *MemoryStore) Touch(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	if sess == nil || sess.SessionID == "" {
		return errors.New("session id required")
	}
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(sess.SessionID)
	if !ok {
		return ErrNotFound
	}
	e.data = data
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

func (m *MemoryStore) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for sid := range m.entries {
		e, ok := m.live(sid)
		if !ok || e.userID != userID {
			continue
		}
		delete(m.entries, sid)
		deleted++
	}
	return deleted, nil
}

func (m *MemoryStore) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for sid := range m.entries {
		e, ok := m.live(sid)
		if !ok || e.userID != userID {
			continue
		}
		sess, err := Decode(e.data)
		if err != nil {
			continue
		}
		sess.SessionID = sid
		out = append(out, sess)
	}
	return out, nil
}

func (m *MemoryStore) RefreshDigest(ctx context.Context, sessionID string) ([32]byte, error) {
	if err := ctx.Err(); err != nil {
		return [32]byte{}, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(sessionID)
	if !ok {
		return [32]byte{}, ErrNotFound
	}
	return e.refresh, nil
}

func (m *MemoryStore) RotateRefreshDigest(ctx context.Context, sessionID string, current, next [32]byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(sessionID)
	if !ok {
		return ErrNotFound
	}
	if e.refresh != current {
		return ErrRefreshMismatch
	}
	e.refresh = next
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
