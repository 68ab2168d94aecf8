package limiters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockoutUnavailable indicates the lockout backend is unreachable.
	ErrLockoutUnavailable = errors.New("lockout backend unavailable")
	// ErrLockdownNotFound is returned by Unlock when no lockdown record exists.
	ErrLockdownNotFound = errors.New("lockdown not found")
)

const lockdownIndexKey = "ald:index"

// ActionPolicy is the escalation policy of one failure kind.
type ActionPolicy struct {
	// MaxAttempts failures start a cooldown.
	MaxAttempts int
	// CooldownBase is multiplied by the progressive factor of the failure count.
	CooldownBase time.Duration
	// Weight is added to the identity's lockdown score per failure.
	Weight int
}

// LockoutConfig holds configuration for the escalation limiter.
type LockoutConfig struct {
	Policies map[string]ActionPolicy
	// LockdownThreshold is the weighted score that triggers a persistent lockdown.
	LockdownThreshold int
	// ScoreWindow bounds how long failures keep contributing to the score.
	ScoreWindow time.Duration
}

// Escalation reports the state reached after recording one failure.
type Escalation struct {
	Failures          int
	Score             int
	Cooldown          time.Duration
	LockdownTriggered bool
	LockedDown        bool
	AdminIntervention bool
}

// LockdownRecord is the persisted lockdown of an identity. It has no expiry.
type LockdownRecord struct {
	IdentityID        string `json:"identity_id"`
	Action            string `json:"action"`
	IP                string `json:"ip,omitempty"`
	TriggeredAt       int64  `json:"triggered_at"`
	Score             int    `json:"score"`
	AdminIntervention bool   `json:"admin_intervention"`
}

// Status is the current restriction state of an identity.
type Status struct {
	CooldownAction    string
	CooldownRemaining time.Duration
	Lockdown          *LockdownRecord
}

// Restricted reports whether any tier currently blocks the identity.
func (s Status) Restricted() bool {
	return s.Lockdown != nil || s.CooldownRemaining > 0
}

const recordFailureScript = `
local function multiplier(n)
  if n <= 3 then return 1 end
  if n <= 5 then return 2 end
  if n <= 7 then return 4 end
  if n <= 10 then return 8 end
  return 16
end

local fail_key = KEYS[1]
local score_key = KEYS[2]
local cooldown_key = KEYS[3]
local weight = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max_attempts = tonumber(ARGV[3])
local base_ms = tonumber(ARGV[4])
local action = ARGV[5]

local count = redis.call("INCR", fail_key)
local penalty = base_ms * multiplier(count)
redis.call("PEXPIRE", fail_key, penalty)

local cooldown = 0
if max_attempts > 0 and count >= max_attempts then
  redis.call("SET", cooldown_key, action, "PX", penalty)
  cooldown = penalty
end

local score = tonumber(redis.call("GET", score_key) or "0")
if weight > 0 then
  score = redis.call("INCRBY", score_key, weight)
  if redis.call("PTTL", score_key) < 0 then
    redis.call("PEXPIRE", score_key, window_ms)
  end
end

return {count, score, cooldown}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// LockoutLimiter converts repeated second-factor failures into cooldowns and
// persistent lockdowns.
type LockoutLimiter struct {
	redis  redis.UniversalClient
	config LockoutConfig
}

// NewLockoutLimiter creates a new lockout limiter.
func NewLockoutLimiter(redisClient redis.UniversalClient, cfg LockoutConfig) *LockoutLimiter {
	if cfg.ScoreWindow <= 0 {
		cfg.ScoreWindow = 24 * time.Hour
	}
	return &LockoutLimiter{redis: redisClient, config: cfg}
}

func (l *LockoutLimiter) failureKey(action, identityID string) string {
	return "alf:" + action + ":" + identityID
}

func (l *LockoutLimiter) scoreKey(identityID string) string {
	return "als:" + identityID
}

func (l *LockoutLimiter) cooldownKey(identityID string) string {
	return "alc:" + identityID
}

func (l *LockoutLimiter) lockdownKey(identityID string) string {
	return "ald:" + identityID
}

// ProgressiveDuration returns the cooldown applied after failures failures.
func ProgressiveDuration(base time.Duration, failures int) time.Duration {
	switch {
	case failures <= 3:
		return base
	case failures <= 5:
		return base * 2
	case failures <= 7:
		return base * 4
	case failures <= 10:
		return base * 8
	default:
		return base * 16
	}
}

// RecordFailure counts one failure of action for identityID. When the weighted
// score crosses the lockdown threshold a lockdown record is written once;
// LockdownTriggered is true only for the call that wrote it.
func (l *LockoutLimiter) RecordFailure(ctx context.Context, identityID, action, ip string, now time.Time) (*Escalation, error) {
	if identityID == "" {
		return &Escalation{}, nil
	}
	policy, ok := l.config.Policies[action]
	if !ok {
		return nil, fmt.Errorf("unknown escalation action %q", action)
	}
	base := policy.CooldownBase
	if base <= 0 {
		base = 15 * time.Minute
	}

	res, err := recordFailureLua.Run(ctx, l.redis,
		[]string{l.failureKey(action, identityID), l.scoreKey(identityID), l.cooldownKey(identityID)},
		policy.Weight,
		l.config.ScoreWindow.Milliseconds(),
		policy.MaxAttempts,
		base.Milliseconds(),
		action,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("%w: unexpected script reply", ErrLockoutUnavailable)
	}
	count, _ := res[0].(int64)
	score, _ := res[1].(int64)
	cooldown, _ := res[2].(int64)

	esc := &Escalation{
		Failures: int(count),
		Score:    int(score),
		Cooldown: time.Duration(cooldown) * time.Millisecond,
	}

	threshold := l.config.LockdownThreshold
	if threshold <= 0 || esc.Score < threshold {
		return esc, nil
	}

	esc.LockedDown = true
	esc.AdminIntervention = esc.Score >= 2*threshold

	record := LockdownRecord{
		IdentityID:        identityID,
		Action:            action,
		IP:                ip,
		TriggeredAt:       now.Unix(),
		Score:             esc.Score,
		AdminIntervention: esc.AdminIntervention,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	created, err := l.redis.SetNX(ctx, l.lockdownKey(identityID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if created {
		esc.LockdownTriggered = true
		if err := l.redis.SAdd(ctx, lockdownIndexKey, identityID).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
		}
		return esc, nil
	}

	if esc.AdminIntervention {
		if err := l.markAdminIntervention(ctx, identityID, esc.Score); err != nil {
			return nil, err
		}
	}
	return esc, nil
}

func (l *LockoutLimiter) markAdminIntervention(ctx context.Context, identityID string, score int) error {
	record, err := l.lockdown(ctx, identityID)
	if err != nil || record == nil || record.AdminIntervention {
		return err
	}
	record.AdminIntervention = true
	record.Score = score
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := l.redis.SetXX(ctx, l.lockdownKey(identityID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// Status returns the cooldown and lockdown state of identityID.
func (l *LockoutLimiter) Status(ctx context.Context, identityID string) (Status, error) {
	var st Status
	if identityID == "" {
		return st, nil
	}

	pipe := l.redis.Pipeline()
	cooldownCmd := pipe.Get(ctx, l.cooldownKey(identityID))
	cooldownTTL := pipe.PTTL(ctx, l.cooldownKey(identityID))
	lockdownCmd := pipe.Get(ctx, l.lockdownKey(identityID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return st, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	if action, err := cooldownCmd.Result(); err == nil {
		ttl, _ := cooldownTTL.Result()
		if ttl > 0 {
			st.CooldownAction = action
			st.CooldownRemaining = ttl
		}
	} else if !errors.Is(err, redis.Nil) {
		return st, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	data, err := lockdownCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return st, nil
		}
		return st, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	var record LockdownRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return st, err
	}
	st.Lockdown = &record
	return st, nil
}

func (l *LockoutLimiter) lockdown(ctx context.Context, identityID string) (*LockdownRecord, error) {
	data, err := l.redis.Get(ctx, l.lockdownKey(identityID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	var record LockdownRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Reset clears the failure counters of the given actions and the score after a
// successful verification. Cooldowns and lockdowns are left untouched.
func (l *LockoutLimiter) Reset(ctx context.Context, identityID string, actions ...string) error {
	if identityID == "" {
		return nil
	}
	keys := []string{l.scoreKey(identityID)}
	for _, action := range actions {
		keys = append(keys, l.failureKey(action, identityID))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// Unlock removes every escalation state of identityID. It returns the removed
// lockdown record, or ErrLockdownNotFound when the identity was only in cooldown
// or not restricted at all (state is cleared either way).
func (l *LockoutLimiter) Unlock(ctx context.Context, identityID string) (*LockdownRecord, error) {
	record, err := l.lockdown(ctx, identityID)
	if err != nil {
		return nil, err
	}

	keys := []string{
		l.lockdownKey(identityID),
		l.cooldownKey(identityID),
		l.scoreKey(identityID),
	}
	for action := range l.config.Policies {
		keys = append(keys, l.failureKey(action, identityID))
	}

	_, err = l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, lockdownIndexKey, identityID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if record == nil {
		return nil, ErrLockdownNotFound
	}
	return record, nil
}

// List returns every active lockdown record. Index entries whose record is
// gone are pruned.
func (l *LockoutLimiter) List(ctx context.Context) ([]LockdownRecord, error) {
	ids, err := l.redis.SMembers(ctx, lockdownIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if len(ids) == 0 {
		return []LockdownRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = l.lockdownKey(id)
	}
	values, err := l.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	out := make([]LockdownRecord, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var record LockdownRecord
		if err := json.Unmarshal([]byte(s), &record); err != nil {
			continue
		}
		out = append(out, record)
	}
	if len(stale) > 0 {
		_ = l.redis.SRem(ctx, lockdownIndexKey, stale...).Err()
	}
	return out, nil
}
