package twofa

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func BenchmarkEvaluateVerifiedSession(b *testing.B) {
	engine, cleanup := newBenchmarkEngine(b)
	defer cleanup()

	ctx := WithClientIP(context.Background(), "10.0.0.1")
	if err := engine.MarkVerified(ctx, "s1", "u2", MethodTOTP); err != nil {
		b.Fatalf("MarkVerified failed: %v", err)
	}
	req := GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := engine.Evaluate(ctx, req)
		if err != nil || res.Decision != GatePass {
			b.Fatalf("evaluate failed: res=%+v err=%v", res, err)
		}
	}
}

func BenchmarkEvaluateExcludedPath(b *testing.B) {
	engine, cleanup := newBenchmarkEngine(b)
	defer cleanup()

	req := GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/static/app.js"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Evaluate(context.Background(), req); err != nil {
			b.Fatalf("evaluate failed: %v", err)
		}
	}
}

func BenchmarkVerifyInvalidCode(b *testing.B) {
	engine, cleanup := newBenchmarkEngine(b)
	defer cleanup()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Spread attempts over addresses so the limiter never trips.
		ctx := WithClientIP(context.Background(), "10.1."+strconv.Itoa(i/250%250)+"."+strconv.Itoa(i%250))
		_, _ = engine.Verify(ctx, VerifyRequest{SessionID: "s1", IdentityID: "u2", Code: "000000"})
	}
}

func newBenchmarkEngine(tb testing.TB) (*Engine, func()) {
	tb.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		tb.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Audit.Enabled = false
	cfg.Lockdown.FailureThreshold = 1 << 30
	for name, p := range cfg.Lockdown.Policies {
		p.MaxAttempts = 0
		cfg.Lockdown.Policies[name] = p
	}

	users := newMockIdentityProvider()
	users.add(Identity{ID: "u2", Role: "member", TwoFactorEnabled: true, TOTPSecret: rfcSecretSHA1})

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityProvider(users).
		Build()
	if err != nil {
		tb.Fatalf("Build failed: %v", err)
	}

	return engine, func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	}
}
