package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every backend failure so callers can translate
// infrastructure outages without inspecting go-redis internals.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrSessionNotFound is returned when the session record does not exist.
var ErrSessionNotFound = errors.New("session record not found")

// ErrIdentityMismatch is returned when a revocation names a session owned
// by a different identity.
var ErrIdentityMismatch = errors.New("session identity mismatch")

// purgeSessionScript deletes a session record and its index entry in one
// round trip. Returns 1 when the record existed.
const purgeSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var purgeSessionLua = redis.NewScript(purgeSessionScript)

// Store is the Redis-backed session record store. Records live under
// <prefix>:<sessionID>; a per-identity set under <prefix>:idx:<identityID>
// indexes them for listing and bulk revocation.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewStore creates a session [Store]. retention controls how long revoked
// or expired records stay visible before the key TTL reaps them; it must
// cover the longest window in which a caller may still present the token.
func NewStore(redisClient redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "as"
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Store{
		redis:     redisClient,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) identityKey(identityID string) string {
	return s.prefix + ":idx:" + identityID
}

// Save persists a new session record. The key TTL runs past ExpiresAt by
// the retention window so expired records remain inspectable until swept.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	ttl := time.Until(time.Unix(sess.ExpiresAt, 0)) + s.retention
	if ttl <= 0 {
		return errors.New("session already expired")
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, s.identityKey(sess.IdentityID), sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get fetches a session record without mutating it. Revoked and expired
// records are returned as-is; the caller decides validity.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID

	return sess, nil
}

// Touch updates LastSeenAt, preserving the record TTL. Lost updates under
// concurrent touches are acceptable; the newest timestamp wins either way.
func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) error {
	return s.update(ctx, sessionID, func(sess *Session) error {
		sess.LastSeenAt = at.Unix()
		return nil
	})
}

// Revoke marks a session revoked. When identityID is non-empty the record
// must belong to that identity, checked inside the transaction so the
// ownership decision and the write cannot interleave with a concurrent
// mutation. Revoking an already revoked session is a no-op.
func (s *Store) Revoke(ctx context.Context, sessionID, identityID string, at time.Time) error {
	_, err := s.revoke(ctx, sessionID, identityID, at)
	return err
}

// revoke reports whether this call performed the revocation, so bulk
// sweeps can count real transitions rather than no-ops.
func (s *Store) revoke(ctx context.Context, sessionID, identityID string, at time.Time) (bool, error) {
	var changed bool
	err := s.update(ctx, sessionID, func(sess *Session) error {
		changed = false
		if identityID != "" && sess.IdentityID != identityID {
			return ErrIdentityMismatch
		}
		if sess.Revoked {
			return nil
		}
		sess.Revoked = true
		sess.RevokedAt = at.Unix()
		changed = true
		return nil
	})
	return changed, err
}

func (s *Store) update(ctx context.Context, sessionID string, mutate func(*Session) error) error {
	const maxRetries = 4
	key := s.key(sessionID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			sess, err := Decode(data)
			if err != nil {
				return err
			}
			sess.SessionID = sessionID

			if err := mutate(sess); err != nil {
				return err
			}

			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return redis.Nil
			}

			updated, err := Encode(sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			if errors.Is(err, ErrIdentityMismatch) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: transaction contention", ErrRedisUnavailable)
}

// RevokeAllForIdentity revokes every indexed session of an identity and
// returns how many records were newly revoked. Records that vanished
// between listing and revocation are skipped.
func (s *Store) RevokeAllForIdentity(ctx context.Context, identityID string, at time.Time) (int, error) {
	sessionIDs, err := s.redis.SMembers(ctx, s.identityKey(identityID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	revoked := 0
	for _, sid := range sessionIDs {
		changed, err := s.revoke(ctx, sid, identityID, at)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrIdentityMismatch) {
				continue
			}
			return revoked, err
		}
		if changed {
			revoked++
		}
	}

	return revoked, nil
}

// ListForIdentity returns the identity's session records, pruning dangling
// index entries whose records have already been reaped.
func (s *Store) ListForIdentity(ctx context.Context, identityID string) ([]*Session, error) {
	idxKey := s.identityKey(identityID)

	sessionIDs, err := s.redis.SMembers(ctx, idxKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		cmds[i] = pipe.Get(ctx, s.key(sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(sessionIDs))
	var dangling []interface{}
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				dangling = append(dangling, sessionIDs[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}

		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		sess.SessionID = sessionIDs[i]
		sessions = append(sessions, sess)
	}

	if len(dangling) > 0 {
		_ = s.redis.SRem(ctx, idxKey, dangling...).Err()
	}

	return sessions, nil
}

// ActiveCount returns the number of an identity's sessions that are
// neither revoked nor expired. Retained revoked records do not count.
func (s *Store) ActiveCount(ctx context.Context, identityID string) (int, error) {
	sessions, err := s.ListForIdentity(ctx, identityID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	count := 0
	for _, sess := range sessions {
		if sess.Active(now) {
			count++
		}
	}
	return count, nil
}

// Cleanup sweeps all identity indexes, purging records that are both
// expired and revoked plus index entries whose records the TTL already
// reaped. Intended for a periodic background job, not request paths.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	pattern := s.prefix + ":idx:*"
	now := time.Now().Unix()

	var (
		cursor uint64
		purged int
	)

	for {
		idxKeys, next, err := s.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		for _, idxKey := range idxKeys {
			sessionIDs, err := s.redis.SMembers(ctx, idxKey).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return purged, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}

			for _, sid := range sessionIDs {
				data, err := s.redis.Get(ctx, s.key(sid)).Bytes()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						_ = s.redis.SRem(ctx, idxKey, sid).Err()
						continue
					}
					return purged, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
				}

				sess, decErr := Decode(data)
				if decErr != nil {
					// Corrupt record: purge rather than leak forever.
					if err := s.purge(ctx, idxKey, sid); err != nil {
						return purged, err
					}
					purged++
					continue
				}

				if sess.Revoked && now >= sess.ExpiresAt {
					if err := s.purge(ctx, idxKey, sid); err != nil {
						return purged, err
					}
					purged++
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return purged, nil
}

func (s *Store) purge(ctx context.Context, idxKey, sessionID string) error {
	err := purgeSessionLua.Run(ctx, s.redis, []string{s.key(sessionID), idxKey}, sessionID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
