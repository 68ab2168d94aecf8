package twofa

import (
	"errors"
	"time"

	"github.com/MrEthical07/twofa/internal/flows"
	"github.com/MrEthical07/twofa/internal/limiters"
	"github.com/MrEthical07/twofa/internal/rate"
	"github.com/MrEthical07/twofa/internal/stores"
	"github.com/MrEthical07/twofa/password"
	"github.com/MrEthical07/twofa/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an [Engine].
//
// Builder instances are intended to be configured during initialization and
// used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	identities IdentityProvider
	smsSender  SMSSender
	notifier   AdminNotifier
	passwords  PasswordVerifier
	auditSink  AuditSink
	logger     *zap.Logger
	clock      func() time.Time

	built bool
}

// New returns a builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared Redis client. A single node, cluster or ring
// client all work.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithIdentityProvider(p IdentityProvider) *Builder {
	b.identities = p
	return b
}

// WithSMSSender enables the SMS method. Without a sender RequestSMSCode
// returns ErrSMSUnavailable.
func (b *Builder) WithSMSSender(s SMSSender) *Builder {
	b.smsSender = s
	return b
}

func (b *Builder) WithAdminNotifier(n AdminNotifier) *Builder {
	b.notifier = n
	return b
}

// WithPasswordVerifier overrides the Argon2id verifier used for password
// re-checks.
func (b *Builder) WithPasswordVerifier(v PasswordVerifier) *Builder {
	b.passwords = v
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock replaces time.Now, for tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and returns the engine. A builder can
// only be built once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.identities == nil {
		return nil, errors.New("identity provider required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	passwords := b.passwords
	if passwords == nil {
		ph, err := password.NewArgon2(password.DefaultConfig())
		if err != nil {
			return nil, err
		}
		passwords = ph
	}

	engine := &Engine{
		config:     cfg,
		logger:     logger.Named("twofa"),
		clock:      clock,
		identities: b.identities,
		smsSender:  b.smsSender,
		notifier:   b.notifier,
		passwords:  passwords,
	}

	engine.sessionStore = session.NewStore(b.redis, "")
	engine.rateLimiter = rate.New(b.redis, rateConfig(cfg.RateLimits))
	engine.lockout = limiters.NewLockoutLimiter(b.redis, lockoutConfig(cfg.Lockdown))
	engine.failures = limiters.NewGlobalFailureRing(b.redis, limiters.GlobalFailureConfig{
		Capacity:      cfg.Lockdown.GlobalFailureCapacity,
		Window:        cfg.Lockdown.GlobalFailureWindow,
		MinIdentities: cfg.Lockdown.AttackMinIdentities,
		MinAttempts:   cfg.Lockdown.AttackMinAttempts,
	})
	engine.smsCodes = stores.NewSMSCodeStore(b.redis, "", cfg.SMS.MaxAttempts)
	engine.enrollments = stores.NewEnrollmentStore(b.redis, "")
	engine.emergencies = stores.NewEmergencyStore(b.redis, "")
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink, engine.auditDropped)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.totp = newTOTPManager(cfg.TOTP)
	engine.flow = flows.New(engine.flowDeps())

	b.built = true

	return engine, nil
}
