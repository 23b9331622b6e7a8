package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRotated  int64 = 1
	rotateStatusMismatch int64 = 2
)

const rotateRefreshScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local current = redis.call("GET", KEYS[2])
if not current then
  return 0
end
if current ~= ARGV[1] then
  return 2
end
local ttl = redis.call("PTTL", KEYS[2])
if ttl <= 0 then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ttl)
return 1
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

const scanBatch = 256

// RedisStore is a Redis-backed [Store].
//
//	Docs: docs/session.md
type RedisStore struct {
	redis     redis.UniversalClient
	prefix    string
	userIndex bool
}

// NewRedisStore creates a session store in the given key namespace. When
// userIndex is false the per-user SET is not maintained and user-wide
// operations fall back to scanning every live session key.
func NewRedisStore(client redis.UniversalClient, prefix string, userIndex bool) *RedisStore {
	if prefix == "" {
		prefix = "ag"
	}
	return &RedisStore{
		redis:     client,
		prefix:    prefix,
		userIndex: userIndex,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *RedisStore) refreshKey(sessionID string) string {
	return s.prefix + ":r:" + sessionID
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Save persists a [Session] and its refresh digest with the given TTL.
//
//	Performance: one MULTI with 2–4 commands.
func (s *RedisStore) Save(ctx context.Context, sess *Session, refreshDigest [32]byte, ttl time.Duration) error {
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

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.Set(ctx, s.refreshKey(sess.SessionID), refreshDigest[:], ttl)
		if s.userIndex {
			userKey := s.userKey(sess.UserID)
			pipe.SAdd(ctx, userKey, sess.SessionID)
			pipe.PExpire(ctx, userKey, ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Get retrieves a live session.
//
//	Performance: 1 Redis GET.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	sess.SessionID = sessionID
	if sess.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Touch rewrites the session with SET XX KEEPTTL: the key must still exist
// and its remaining TTL is preserved.
//
//	Performance: 1 Redis SET.
func (s *RedisStore) Touch(ctx context.Context, sess *Session) error {
	if sess == nil || sess.SessionID == "" {
		return errors.New("session id required")
	}
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	err = s.redis.SetArgs(ctx, s.key(sess.SessionID), data, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return unavailable(err)
	}
	return nil
}

// Delete removes a session, its refresh record, and its index entry.
// Deleting a missing session is not an error.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	var userID string
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	switch {
	case err == nil:
		if sess, decodeErr := Decode(data); decodeErr == nil {
			userID = sess.UserID
		}
	case errors.Is(err, redis.Nil):
	default:
		return unavailable(err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(sessionID), s.refreshKey(sessionID))
		if s.userIndex && userID != "" {
			pipe.SRem(ctx, s.userKey(userID), sessionID)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// DeleteAllForUser removes all sessions for a user.
//
// ATOMICITY NOTE: This operation is NOT atomic. It reads the user's session
// set (or scans all session keys when the index is disabled), then deletes
// the listed pairs. A session created between the read and delete phases is
// not captured. Callers needing a hard guarantee must invoke it again after
// blocking new logins for the user.
func (s *RedisStore) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	sessionIDs, err := s.sessionIDsForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(sessionIDs) == 0 {
		if s.userIndex {
			if err := s.redis.Del(ctx, s.userKey(userID)).Err(); err != nil {
				return 0, unavailable(err)
			}
		}
		return 0, nil
	}

	sessionKeys := make([]string, 0, len(sessionIDs))
	refreshKeys := make([]string, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		sessionKeys = append(sessionKeys, s.key(sid))
		refreshKeys = append(refreshKeys, s.refreshKey(sid))
	}

	var deleted *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, sessionKeys...)
		pipe.Del(ctx, refreshKeys...)
		if s.userIndex {
			pipe.Del(ctx, s.userKey(userID))
		}
		return nil
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return int(deleted.Val()), nil
}

// ListForUser returns the live sessions of a user.
func (s *RedisStore) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	sessionIDs, err := s.sessionIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.getMany(ctx, sessionIDs)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(sessions))
	for _, sess := range sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out, nil
}

// RefreshDigest returns the stored refresh digest.
func (s *RedisStore) RefreshDigest(ctx context.Context, sessionID string) ([32]byte, error) {
	var digest [32]byte
	raw, err := s.redis.Get(ctx, s.refreshKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return digest, ErrNotFound
		}
		return digest, unavailable(err)
	}
	if len(raw) != len(digest) {
		return digest, ErrCorrupt
	}
	copy(digest[:], raw)
	return digest, nil
}

// RotateRefreshDigest atomically swaps the refresh digest via a Lua script.
//
//	Performance: 1 Redis EVALSHA.
func (s *RedisStore) RotateRefreshDigest(ctx context.Context, sessionID string, current, next [32]byte) error {
	status, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.refreshKey(sessionID)},
		string(current[:]),
		string(next[:]),
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusMismatch:
		return ErrRefreshMismatch
	default:
		return ErrNotFound
	}
}

func (s *RedisStore) sessionIDsForUser(ctx context.Context, userID string) ([]string, error) {
	if s.userIndex {
		ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, unavailable(err)
		}
		return ids, nil
	}
	return s.scanForUser(ctx, userID)
}

// scanForUser walks every live session key and keeps those whose decoded
// user id matches. O(N) over all sessions; used only without the user index.
func (s *RedisStore) scanForUser(ctx context.Context, userID string) ([]string, error) {
	match := s.prefix + ":s:*"
	keyPrefix := len(s.prefix) + len(":s:")

	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		if len(keys) > 0 {
			ids := make([]string, 0, len(keys))
			for _, k := range keys {
				ids = append(ids, k[keyPrefix:])
			}
			sessions, err := s.getMany(ctx, ids)
			if err != nil {
				return nil, err
			}
			for _, sess := range sessions {
				if sess.UserID == userID {
					out = append(out, sess.SessionID)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// getMany fetches sessions in one pipeline. Missing, expired and undecodable
// entries are skipped.
func (s *RedisStore) getMany(ctx context.Context, sessionIDs []string) ([]*Session, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		cmds[i] = pipe.Get(ctx, s.key(sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}

	now := time.Now()
	out := make([]*Session, 0, len(sessionIDs))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		sess, err := Decode(data)
		if err != nil || sess.Expired(now) {
			continue
		}
		sess.SessionID = sessionIDs[i]
		out = append(out, sess)
	}
	return out, nil
}
