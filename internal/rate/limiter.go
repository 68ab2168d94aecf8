package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Action names a throttled operation class.
type Action string

const (
	ActionVerification      Action = "verification"
	ActionRecoveryCode      Action = "recovery_code"
	ActionSMSRequest        Action = "sms_request"
	ActionEmergencyRecovery Action = "emergency_recovery"
	ActionSetupAttempt      Action = "setup_attempt"
	ActionGeneral           Action = "general"
)

// Threshold is the attempt budget of one action.
type Threshold struct {
	MaxAttempts int
	Window      time.Duration
}

// Config holds rate limiter tuning parameters.
type Config struct {
	Prefix     string
	Thresholds map[Action]Threshold
}

// Decision is the outcome of a tracked attempt.
type Decision struct {
	Count      int64
	Limit      int
	Allowed    bool
	RetryAfter time.Duration
}

// Remaining returns how many attempts are left in the current window.
func (d Decision) Remaining() int {
	left := int64(d.Limit) - d.Count
	if left < 0 {
		return 0
	}
	return int(left)
}

// INCR and the first-hit expiry must happen together, otherwise a crash between
// the two commands leaves a counter that never resets.
const trackAttemptScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

var trackAttemptLua = redis.NewScript(trackAttemptScript)

// Limiter enforces per-action fixed windows using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "arl"
	}
	thresholds := make(map[Action]Threshold, len(cfg.Thresholds))
	for action, t := range cfg.Thresholds {
		thresholds[action] = t
	}
	cfg.Thresholds = thresholds

	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// Threshold returns the configured budget for action.
func (l *Limiter) Threshold(action Action) (Threshold, bool) {
	t, ok := l.config.Thresholds[action]
	return t, ok
}

func (l *Limiter) key(action Action, key string) string {
	return l.config.Prefix + ":" + string(action) + ":" + key
}

// TrackAttempt increments the counter for (key, action) and reports whether the
// attempt is still inside the budget. Attempt N+1 of a window is rejected.
func (l *Limiter) TrackAttempt(ctx context.Context, key string, action Action) (Decision, error) {
	threshold, ok := l.config.Thresholds[action]
	if !ok || threshold.MaxAttempts <= 0 || threshold.Window <= 0 {
		return Decision{}, ErrUnknownAction
	}

	res, err := trackAttemptLua.Run(ctx, l.redis, []string{l.key(action, key)}, threshold.Window.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}
	count, _ := res[0].(int64)
	ttl, _ := res[1].(int64)

	d := Decision{
		Count:   count,
		Limit:   threshold.MaxAttempts,
		Allowed: count <= int64(threshold.MaxAttempts),
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(ttl) * time.Millisecond
	}
	return d, nil
}

// IsRateLimited reports whether the next attempt for (key, action) would be
// rejected, without consuming budget. The returned duration is the time left in
// the current window.
func (l *Limiter) IsRateLimited(ctx context.Context, key string, action Action) (bool, time.Duration, error) {
	threshold, ok := l.config.Thresholds[action]
	if !ok || threshold.MaxAttempts <= 0 {
		return false, 0, ErrUnknownAction
	}

	k := l.key(action, key)
	pipe := l.redis.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	count, err := getCmd.Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < int64(threshold.MaxAttempts) {
		return false, 0, nil
	}

	ttl, err := ttlCmd.Result()
	if err != nil {
		return true, threshold.Window, nil
	}
	if ttl < 0 {
		ttl = threshold.Window
	}
	return true, ttl, nil
}

// Attempts returns the current counter for (key, action).
func (l *Limiter) Attempts(ctx context.Context, key string, action Action) (int, error) {
	count, err := l.redis.Get(ctx, l.key(action, key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Clear deletes the counters of key for the given actions, or for every
// configured action when none is given.
func (l *Limiter) Clear(ctx context.Context, key string, actions ...Action) error {
	if len(actions) == 0 {
		for action := range l.config.Thresholds {
			actions = append(actions, action)
		}
	}
	if len(actions) == 0 {
		return nil
	}

	keys := make([]string, 0, len(actions))
	for _, action := range actions {
		keys = append(keys, l.key(action, key))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Key joins an identity and client address into a limiter key.
func Key(identityID, ip string) string {
	if ip == "" {
		return identityID
	}
	if identityID == "" {
		return ip
	}
	return identityID + "_" + ip
}
