package twofa

import (
	"context"
	"errors"
	"time"

	internalaudit "github.com/MrEthical07/twofa/internal/audit"
	"github.com/MrEthical07/twofa/internal/flows"
	"github.com/MrEthical07/twofa/internal/limiters"
	"github.com/MrEthical07/twofa/internal/rate"
	"github.com/MrEthical07/twofa/internal/stores"
	"github.com/MrEthical07/twofa/session"
	"go.uber.org/zap"
)

// PasswordVerifier checks a plaintext password against a stored hash. It is
// satisfied by *password.Argon2.
type PasswordVerifier interface {
	Verify(password, encodedHash string) (bool, error)
}

// Engine is the second-factor service. All state lives in Redis and the
// [IdentityProvider], so any number of engines can serve the same identities.
//
// Engine instances are built once by [Builder.Build] and are safe for
// concurrent use.
type Engine struct {
	config Config
	logger *zap.Logger
	clock  func() time.Time

	identities IdentityProvider
	smsSender  SMSSender
	notifier   AdminNotifier
	passwords  PasswordVerifier

	sessionStore *session.Store
	rateLimiter  *rate.Limiter
	lockout      *limiters.LockoutLimiter
	failures     *limiters.GlobalFailureRing
	smsCodes     *stores.SMSCodeStore
	enrollments  *stores.EnrollmentStore
	emergencies  *stores.EmergencyStore

	audit   *internalaudit.Dispatcher
	metrics *Metrics
	totp    *totpManager
	flow    flows.Service
}

// Close flushes the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return DefaultConfig()
	}
	return cloneConfig(e.config)
}

// Ping checks that Redis is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	if e == nil || e.sessionStore == nil {
		return ErrEngineNotReady
	}
	if err := e.sessionStore.Ping(ctx); err != nil {
		return e.unavailable("ping", err)
	}
	return nil
}

func (e *Engine) now() time.Time {
	if e == nil || e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func (e *Engine) ready() bool {
	return e != nil && e.identities != nil && e.sessionStore != nil && e.rateLimiter != nil && e.lockout != nil
}

func (e *Engine) getIdentity(ctx context.Context, identityID string) (Identity, error) {
	if identityID == "" {
		return Identity{}, ErrIdentityNotFound
	}
	identity, err := e.identities.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return Identity{}, ErrIdentityNotFound
		}
		return Identity{}, e.unavailable("get_identity", err, zap.String("identity_id", identityID))
	}
	return identity, nil
}

// rateKey scopes limiter counters to the identity and the client address on
// ctx.
func rateKey(ctx context.Context, identityID string) string {
	return rate.Key(identityID, clientIPFromContext(ctx))
}

// trackAttempt counts one attempt of action for the identity and client
// address on ctx. Over the limit it returns a *RateLimitError.
func (e *Engine) trackAttempt(ctx context.Context, identityID, action string) error {
	d, err := e.rateLimiter.TrackAttempt(ctx, rateKey(ctx, identityID), rate.Action(action))
	if err != nil {
		return e.unavailable("rate_limit", err, zap.String("identity_id", identityID), zap.String("action", action))
	}
	if !d.Allowed {
		rl := &RateLimitError{Action: action, RetryAfter: d.RetryAfter}
		e.emitRateLimit(ctx, identityID, action, rl)
		return rl
	}
	return nil
}

// trackAddressAttempt counts one attempt of action for the client address
// alone, so rotating identity IDs from one address shares a single budget.
func (e *Engine) trackAddressAttempt(ctx context.Context, action string) error {
	ip := clientIPFromContext(ctx)
	if ip == "" {
		ip = "unknown"
	}
	d, err := e.rateLimiter.TrackAttempt(ctx, "addr:"+ip, rate.Action(action))
	if err != nil {
		return e.unavailable("rate_limit", err, zap.String("action", action))
	}
	if !d.Allowed {
		rl := &RateLimitError{Action: action, RetryAfter: d.RetryAfter}
		e.emitRateLimit(ctx, "", action, rl)
		return rl
	}
	return nil
}

// IsRateLimited reports whether the next attempt of action by the identity on
// ctx would be rejected, without consuming budget.
func (e *Engine) IsRateLimited(ctx context.Context, identityID, action string) (bool, time.Duration, error) {
	if !e.ready() {
		return false, 0, ErrEngineNotReady
	}
	limited, retry, err := e.rateLimiter.IsRateLimited(ctx, rateKey(ctx, identityID), rate.Action(action))
	if err != nil {
		if errors.Is(err, rate.ErrUnknownAction) {
			return false, 0, err
		}
		return false, 0, e.unavailable("rate_limit", err, zap.String("action", action))
	}
	return limited, retry, nil
}

// TrackAttempt counts one attempt of action. It is exported for HTTP routes
// that throttle operations with no engine method of their own.
func (e *Engine) TrackAttempt(ctx context.Context, identityID, action string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	return e.trackAttempt(ctx, identityID, action)
}

func (e *Engine) clearAttempts(ctx context.Context, identityID string) error {
	if err := e.rateLimiter.Clear(ctx, rateKey(ctx, identityID), rate.ActionVerification, rate.ActionRecoveryCode); err != nil {
		return e.unavailable("rate_limit_clear", err, zap.String("identity_id", identityID))
	}
	return nil
}

func lockoutConfig(cfg LockdownConfig) limiters.LockoutConfig {
	policies := make(map[string]limiters.ActionPolicy, len(cfg.Policies))
	for name, p := range cfg.Policies {
		policies[name] = limiters.ActionPolicy{
			MaxAttempts:  p.MaxAttempts,
			CooldownBase: p.CooldownBase,
			Weight:       p.Weight,
		}
	}
	return limiters.LockoutConfig{
		Policies:          policies,
		LockdownThreshold: cfg.FailureThreshold,
		ScoreWindow:       cfg.ScoreWindow,
	}
}

func rateConfig(limits map[string]RateLimitConfig) rate.Config {
	thresholds := make(map[rate.Action]rate.Threshold, len(limits))
	for action, rl := range limits {
		thresholds[rate.Action(action)] = rate.Threshold{MaxAttempts: rl.MaxAttempts, Window: rl.Window}
	}
	return rate.Config{Thresholds: thresholds}
}
