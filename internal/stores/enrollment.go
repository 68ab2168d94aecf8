package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrEnrollmentBackend  = errors.New("enrollment backend unavailable")
)

// EnrollmentStore caches the secret generated by a setup request until the
// identity confirms it with a valid code.
type EnrollmentStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewEnrollmentStore(redisClient redis.UniversalClient, prefix string) *EnrollmentStore {
	if prefix == "" {
		prefix = "aes"
	}
	return &EnrollmentStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *EnrollmentStore) key(identityID string) string {
	return s.prefix + ":" + identityID
}

// Save stores the pending base32 secret, replacing any earlier one.
func (s *EnrollmentStore) Save(ctx context.Context, identityID, secret string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(identityID), secret, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrEnrollmentBackend, err)
	}
	return nil
}

// Get returns the pending secret.
func (s *EnrollmentStore) Get(ctx context.Context, identityID string) (string, error) {
	secret, err := s.redis.Get(ctx, s.key(identityID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEnrollmentNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrEnrollmentBackend, err)
	}
	return secret, nil
}

// Delete drops the pending secret.
func (s *EnrollmentStore) Delete(ctx context.Context, identityID string) error {
	if err := s.redis.Del(ctx, s.key(identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrEnrollmentBackend, err)
	}
	return nil
}
