package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrEmergencyRequestNotFound = errors.New("emergency request not found")
	ErrEmergencyBackend         = errors.New("emergency backend unavailable")
)

// EmergencyRequest is a last-resort recovery request awaiting administrator
// review.
type EmergencyRequest struct {
	ID            string `json:"id"`
	IdentityID    string `json:"identity_id"`
	Reason        string `json:"reason"`
	ContactMethod string `json:"contact_method"`
	Contact       string `json:"contact"`
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	RequestedAt   int64  `json:"requested_at"`
	Status        string `json:"status"`
	ResolvedBy    string `json:"resolved_by,omitempty"`
	ResolvedAt    int64  `json:"resolved_at,omitempty"`
}

// EmergencyStore keeps requests for a bounded review period, indexed by
// submission time.
type EmergencyStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewEmergencyStore(redisClient redis.UniversalClient, prefix string) *EmergencyStore {
	if prefix == "" {
		prefix = "aer"
	}
	return &EmergencyStore{redis: redisClient, prefix: prefix}
}

func (s *EmergencyStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *EmergencyStore) indexKey() string {
	return s.prefix + ":index"
}

// Save writes the request and indexes it.
func (s *EmergencyStore) Save(ctx context.Context, req *EmergencyRequest, ttl time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(req.ID), data, ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(req.RequestedAt), Member: req.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmergencyBackend, err)
	}
	return nil
}

// Get loads one request.
func (s *EmergencyStore) Get(ctx context.Context, id string) (*EmergencyRequest, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmergencyRequestNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrEmergencyBackend, err)
	}
	var req EmergencyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Update rewrites a request, preserving its remaining lifetime.
func (s *EmergencyStore) Update(ctx context.Context, req *EmergencyRequest) error {
	ttl, err := s.redis.PTTL(ctx, s.key(req.ID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmergencyBackend, err)
	}
	// -2 means the key is gone.
	if ttl == -2 {
		return ErrEmergencyRequestNotFound
	}
	if ttl < 0 {
		ttl = 0
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetXX(ctx, s.key(req.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmergencyBackend, err)
	}
	if !ok {
		return ErrEmergencyRequestNotFound
	}
	return nil
}

// List returns the live requests submitted after since, newest first. Expired
// entries are removed from the index.
func (s *EmergencyStore) List(ctx context.Context, since time.Time) ([]EmergencyRequest, error) {
	ids, err := s.redis.ZRevRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmergencyBackend, err)
	}
	if len(ids) == 0 {
		return []EmergencyRequest{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmergencyBackend, err)
	}

	out := make([]EmergencyRequest, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var req EmergencyRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			continue
		}
		out = append(out, req)
	}
	if len(stale) > 0 {
		_ = s.redis.ZRem(ctx, s.indexKey(), stale...).Err()
	}
	return out, nil
}

// CountSince returns how many indexed requests were submitted after since.
func (s *EmergencyStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	n, err := s.redis.ZCount(ctx, s.indexKey(), strconv.FormatInt(since.Unix(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEmergencyBackend, err)
	}
	return int(n), nil
}
