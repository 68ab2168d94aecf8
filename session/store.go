package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is returned when the backing Redis cannot be reached.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrRecordNotFound is returned when a session has no verification record.
var ErrRecordNotFound = errors.New("verification record not found")

const deleteRecordScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return 1
`

var deleteRecordLua = redis.NewScript(deleteRecordScript)

// Store keeps verification records in Redis, one key per session, plus a
// per-identity index used for force logout and revocation markers checked by
// the authentication middleware.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a store. An empty prefix defaults to "asv".
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "asv"
	}
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) identityKey(identityID string) string {
	return s.prefix + ":idx:" + identityID
}

func (s *Store) sessionRevokedKey(sessionID string) string {
	return s.prefix + ":rev:" + sessionID
}

func (s *Store) identityRevokedKey(identityID string) string {
	return s.prefix + ":lo:" + identityID
}

// Save persists r with the given TTL and indexes it under its identity.
//
//	Performance: 3 Redis commands in one MULTI.
func (s *Store) Save(ctx context.Context, r *Record, ttl time.Duration) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}

	idx := s.identityKey(r.IdentityID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(r.SessionID), data, ttl)
		pipe.SAdd(ctx, idx, r.SessionID)
		pipe.Expire(ctx, idx, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads the record of a session.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	r, err := Decode(data)
	if err != nil {
		return nil, err
	}
	r.SessionID = sessionID
	return r, nil
}

// Delete removes the record of a session. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, sessionID, identityID string) error {
	err := deleteRecordLua.Run(ctx, s.redis,
		[]string{s.key(sessionID), s.identityKey(identityID)},
		sessionID,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteAllForIdentity removes every record indexed under identityID and
// returns the session IDs that were indexed.
//
// A record saved between the SMEMBERS and the DEL survives; the caller's
// revocation marker still rejects that session.
func (s *Store) DeleteAllForIdentity(ctx context.Context, identityID string) ([]string, error) {
	idx := s.identityKey(identityID)
	ids, err := s.redis.SMembers(ctx, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.key(id))
	}
	keys = append(keys, idx)

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// SessionIDs returns the sessions currently indexed under identityID.
func (s *Store) SessionIDs(ctx context.Context, identityID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.identityKey(identityID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// RevokeSession marks one session as logged out for ttl.
func (s *Store) RevokeSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.sessionRevokedKey(sessionID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RevokeIdentity rejects every session of identityID authenticated at or
// before at. The marker lives for ttl, which should cover the longest access
// token lifetime.
func (s *Store) RevokeIdentity(ctx context.Context, identityID string, at time.Time, ttl time.Duration) error {
	err := s.redis.Set(ctx, s.identityRevokedKey(identityID), strconv.FormatInt(at.Unix(), 10), ttl).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether a session authenticated at issuedAt has been
// logged out, either on its own or with every session of its identity.
//
//	Performance: 2 Redis GETs in one pipeline.
func (s *Store) IsRevoked(ctx context.Context, identityID, sessionID string, issuedAt time.Time) (bool, error) {
	pipe := s.redis.Pipeline()
	sessionCmd := pipe.Exists(ctx, s.sessionRevokedKey(sessionID))
	identityCmd := pipe.Get(ctx, s.identityRevokedKey(identityID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if sessionCmd.Val() > 0 {
		return true, nil
	}

	raw, err := identityCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	cutoff, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, nil
	}
	return issuedAt.Unix() <= cutoff, nil
}

// Ping checks Redis reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
