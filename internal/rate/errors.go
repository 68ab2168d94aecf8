package rate

import "errors"

var (
	// ErrRateLimited is returned when a counter is above its threshold.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps every backend failure so callers can fail closed.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrUnknownAction is returned for actions without a configured threshold.
	ErrUnknownAction = errors.New("unknown rate limit action")
)
