package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// GlobalCapacity is the number of newest events kept in the global log.
	GlobalCapacity = 10_000
	// UserCapacity is the number of newest events kept per user.
	UserCapacity = 100
	// UserRetention is how long an idle per-user log survives.
	UserRetention = 30 * 24 * time.Hour
)

// ErrStoreUnavailable wraps backing-store failures.
var ErrStoreUnavailable = errors.New("audit: store unavailable")

// Store persists events. Events returns at most limit events, newest first;
// an empty userID selects the global log.
type Store interface {
	Append(ctx context.Context, event Event) error
	Events(ctx context.Context, userID string, limit int) ([]Event, error)
}

// RedisStore keeps each log as a capped Redis list.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store writing under prefix (default "ag").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ag"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) globalKey() string { return s.prefix + ":ev" }

func (s *RedisStore) userKey(userID string) string { return s.prefix + ":ev:u:" + userID }

// Append pushes event onto the global log and, when it has a user, the
// user's log, trimming both to capacity in one transaction.
func (s *RedisStore) Append(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.globalKey(), data)
		pipe.LTrim(ctx, s.globalKey(), 0, GlobalCapacity-1)
		if event.UserID != "" {
			key := s.userKey(event.UserID)
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, UserCapacity-1)
			pipe.Expire(ctx, key, UserRetention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Events reads a newest-first snapshot. Entries that fail to decode are skipped.
func (s *RedisStore) Events(ctx context.Context, userID string, limit int) ([]Event, error) {
	key := s.globalKey()
	capacity := GlobalCapacity
	if userID != "" {
		key = s.userKey(userID)
		capacity = UserCapacity
	}
	limit = clampLimit(limit, capacity)

	raw, err := s.redis.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func clampLimit(limit, capacity int) int {
	if limit <= 0 || limit > capacity {
		return capacity
	}
	return limit
}

// ring is a fixed-capacity buffer that overwrites its oldest entry.
type ring struct {
	buf  []Event
	next int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	r.buf[r.next] = detach(e)
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) newest(limit int) []Event {
	if limit > r.size {
		limit = r.size
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, detach(r.buf[idx]))
	}
	return out
}

// detach copies the Details map so stored events never alias caller state.
func detach(e Event) Event {
	if e.Details != nil {
		e.Details = maps.Clone(e.Details)
	}
	return e
}

type userRing struct {
	*ring
	expiresAt time.Time
}

// MemoryStore keeps logs in process-local ring buffers.
type MemoryStore struct {
	mu     sync.Mutex
	global *ring
	users  map[string]*userRing
	now    func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		global: newRing(GlobalCapacity),
		users:  make(map[string]*userRing),
		now:    time.Now,
	}
}

// SetClock overrides the clock used for per-user retention.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) Append(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.global.push(event)
	if event.UserID == "" {
		return nil
	}
	now := m.now()
	ur, ok := m.users[event.UserID]
	if !ok || !now.Before(ur.expiresAt) {
		ur = &userRing{ring: newRing(UserCapacity)}
		m.users[event.UserID] = ur
	}
	ur.push(event)
	ur.expiresAt = now.Add(UserRetention)
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, userID string, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if userID == "" {
		return m.global.newest(clampLimit(limit, GlobalCapacity)), nil
	}
	ur, ok := m.users[userID]
	if !ok {
		return []Event{}, nil
	}
	if !m.now().Before(ur.expiresAt) {
		delete(m.users, userID)
		return []Event{}, nil
	}
	return ur.newest(clampLimit(limit, UserCapacity)), nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
