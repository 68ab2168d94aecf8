package limiters

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const globalFailuresKey = "agf"

// GlobalFailureConfig bounds the cross-identity failure ring.
type GlobalFailureConfig struct {
	Capacity      int
	Window        time.Duration
	MinIdentities int
	MinAttempts   int
}

// Threat is a source address failing against several identities.
type Threat struct {
	IP         string
	Identities int
	Attempts   int
	FirstSeen  time.Time
	LastSeen   time.Time
}

type globalFailure struct {
	At         int64  `json:"t"`
	IP         string `json:"ip"`
	IdentityID string `json:"uid,omitempty"`
}

// GlobalFailureRing keeps the most recent second-factor failures of every
// identity to spot one address attacking many accounts.
type GlobalFailureRing struct {
	redis  redis.UniversalClient
	config GlobalFailureConfig
}

// NewGlobalFailureRing creates a ring. Zero fields fall back to 1000 entries,
// one hour, three identities and ten attempts.
func NewGlobalFailureRing(redisClient redis.UniversalClient, cfg GlobalFailureConfig) *GlobalFailureRing {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.MinIdentities <= 0 {
		cfg.MinIdentities = 3
	}
	if cfg.MinAttempts <= 0 {
		cfg.MinAttempts = 10
	}
	return &GlobalFailureRing{redis: redisClient, config: cfg}
}

// Record appends one failure.
func (g *GlobalFailureRing) Record(ctx context.Context, ip, identityID string, now time.Time) error {
	if ip == "" {
		return nil
	}
	data, err := json.Marshal(globalFailure{At: now.Unix(), IP: ip, IdentityID: identityID})
	if err != nil {
		return err
	}

	_, err = g.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, globalFailuresKey, data)
		pipe.LTrim(ctx, globalFailuresKey, 0, int64(g.config.Capacity-1))
		pipe.Expire(ctx, globalFailuresKey, g.config.Window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// Detect groups the failures of the last window by address and returns the
// addresses above both thresholds, worst first.
func (g *GlobalFailureRing) Detect(ctx context.Context, now time.Time) ([]Threat, error) {
	entries, err := g.redis.LRange(ctx, globalFailuresKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	cutoff := now.Add(-g.config.Window).Unix()
	type group struct {
		identities map[string]struct{}
		attempts   int
		first      int64
		last       int64
	}
	groups := make(map[string]*group)

	for _, raw := range entries {
		var f globalFailure
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			continue
		}
		if f.At < cutoff {
			continue
		}
		grp, ok := groups[f.IP]
		if !ok {
			grp = &group{identities: map[string]struct{}{}, first: f.At, last: f.At}
			groups[f.IP] = grp
		}
		grp.attempts++
		if f.IdentityID != "" {
			grp.identities[f.IdentityID] = struct{}{}
		}
		if f.At < grp.first {
			grp.first = f.At
		}
		if f.At > grp.last {
			grp.last = f.At
		}
	}

	threats := make([]Threat, 0)
	for ip, grp := range groups {
		if len(grp.identities) < g.config.MinIdentities || grp.attempts < g.config.MinAttempts {
			continue
		}
		threats = append(threats, Threat{
			IP:         ip,
			Identities: len(grp.identities),
			Attempts:   grp.attempts,
			FirstSeen:  time.Unix(grp.first, 0).UTC(),
			LastSeen:   time.Unix(grp.last, 0).UTC(),
		})
	}
	sort.Slice(threats, func(i, j int) bool {
		if threats[i].Attempts != threats[j].Attempts {
			return threats[i].Attempts > threats[j].Attempts
		}
		return threats[i].IP < threats[j].IP
	})
	return threats, nil
}
