// Package bootstrap assembles an engine and its backing stores from the
// process configuration. The server and admin binaries share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/identity"
	"github.com/MrEthical07/twofa/internal/settings"
	"github.com/MrEthical07/twofa/jwt"
	"github.com/MrEthical07/twofa/notify"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Runtime holds everything a binary needs. Close releases it in reverse
// order of construction.
type Runtime struct {
	Engine     *twofa.Engine
	Tokens     *jwt.Manager
	Identities twofa.IdentityProvider
	// Memory is set when no Postgres DSN is configured.
	Memory *identity.MemoryStore
	Redis  redis.UniversalClient

	closers []func() error
}

// Open connects to Redis (or starts an embedded one), selects the identity
// store, wires notifiers and builds the engine.
func Open(ctx context.Context, p settings.Process, logger *zap.Logger) (rt *Runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt = &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	cfg, err := p.EngineConfig()
	if err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	if err := rt.openRedis(ctx, p, logger); err != nil {
		return nil, err
	}
	if err := rt.openIdentities(ctx, p, logger); err != nil {
		return nil, err
	}

	sms, admins, err := rt.notifiers(p, logger)
	if err != nil {
		return nil, err
	}

	b := twofa.New().
		WithConfig(cfg).
		WithRedis(rt.Redis).
		WithIdentityProvider(rt.Identities).
		WithSMSSender(sms).
		WithAdminNotifier(admins).
		WithLogger(logger)
	if cfg.Audit.Enabled {
		b = b.WithAuditSink(twofa.NewZapAuditSink(logger))
	}
	engine, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	rt.Engine = engine
	rt.closers = append(rt.closers, func() error { engine.Close(); return nil })

	jcfg, err := p.JWTConfig()
	if err != nil {
		return nil, err
	}
	if rt.Tokens, err = jwt.NewManager(jcfg); err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}
	return rt, nil
}

func (rt *Runtime) openRedis(ctx context.Context, p settings.Process, logger *zap.Logger) error {
	addr := p.RedisAddr
	if addr == "" {
		if !p.EmbeddedRedis {
			return errors.New("redis_addr is empty and embedded redis is disabled")
		}
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start embedded redis: %w", err)
		}
		rt.closers = append(rt.closers, func() error { mr.Close(); return nil })
		addr = mr.Addr()
		logger.Warn("using embedded redis, state is lost on restart", zap.String("addr", addr))
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: p.RedisPassword,
		DB:       p.RedisDB,
	})
	rt.closers = append(rt.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	rt.Redis = client
	return nil
}

func (rt *Runtime) openIdentities(ctx context.Context, p settings.Process, logger *zap.Logger) error {
	if p.PostgresDSN == "" {
		logger.Warn("no postgres_dsn set, identities are held in memory")
		rt.Memory = identity.NewMemoryStore()
		rt.Identities = rt.Memory
		return nil
	}

	pool, err := identity.OpenPostgres(ctx, p.PostgresDSN)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, func() error { pool.Close(); return nil })

	store := identity.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate identities: %w", err)
	}
	rt.Identities = store
	return nil
}

func (rt *Runtime) notifiers(p settings.Process, logger *zap.Logger) (twofa.SMSSender, twofa.AdminNotifier, error) {
	logAdmins := notify.NewLogAdminNotifier(logger.Named("alerts"))
	brokers := p.Brokers()
	if len(brokers) == 0 {
		return notify.NewLogSMSSender(logger.Named("sms")), logAdmins, nil
	}

	smsWriter, err := notify.NewKafkaWriter(notify.KafkaConfig{Brokers: brokers, Topic: p.KafkaSMSTopic}, logger)
	if err != nil {
		return nil, nil, err
	}
	sms := notify.NewKafkaSMSSender(smsWriter)
	rt.closers = append(rt.closers, sms.Close)

	alertWriter, err := notify.NewKafkaWriter(notify.KafkaConfig{Brokers: brokers, Topic: p.KafkaAlertTopic}, logger)
	if err != nil {
		return nil, nil, err
	}
	alerts := notify.NewKafkaAdminNotifier(alertWriter)
	rt.closers = append(rt.closers, alerts.Close)

	logger.Info("kafka notifiers enabled",
		zap.Strings("brokers", brokers),
		zap.String("sms_topic", p.KafkaSMSTopic),
		zap.String("alert_topic", p.KafkaAlertTopic),
	)
	return sms, notify.MultiNotifier{logAdmins, alerts}, nil
}

// Close releases every resource opened by Open.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
