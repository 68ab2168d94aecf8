package twofa

import (
	"errors"
	"testing"
	"time"
)

func TestGatePassesWithoutIdentityOrOnExcludedPath(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("10.0.0.1")

	res, err := env.engine.Evaluate(ctx, GateRequest{Path: "/dashboard"})
	if err != nil || res.Decision != GatePass {
		t.Fatalf("anonymous request: decision=%v err=%v", res, err)
	}

	for _, p := range []string{"/2fa/verify", "/2fa/setup/qr", "/login", "/health", "/healthz", "/static/app.css", "/static"} {
		res, err := env.engine.Evaluate(ctx, GateRequest{IdentityID: "admin1", SessionID: "s1", Path: p})
		if err != nil {
			t.Fatalf("Evaluate(%s) failed: %v", p, err)
		}
		if res.Decision != GatePass {
			t.Fatalf("expected %s excluded, got %s", p, res.Decision)
		}
	}
}

func TestGateOptionalIdentityWithoutSecondFactorPasses(t *testing.T) {
	env := newTestEnv(t, testConfig())

	res, err := env.engine.Evaluate(clientCtx("10.0.0.1"), GateRequest{IdentityID: "u1", SessionID: "s1", Path: "/dashboard"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Decision != GatePass {
		t.Fatalf("expected pass, got %s", res.Decision)
	}
}

func TestGateMandatoryRoleRequiresSetup(t *testing.T) {
	env := newTestEnv(t, testConfig())

	res, err := env.engine.Evaluate(clientCtx("10.0.0.1"), GateRequest{IdentityID: "admin1", SessionID: "s1", Path: "/admin"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Decision != GateSetupRequired || res.Redirect != "/2fa/setup" || res.Reason != KindSetupRequired {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricGateSetupRequired]; got != 1 {
		t.Fatalf("expected setup-required metric, got %d", got)
	}
}

func TestGateEnabledIdentityNeedsVerification(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("10.0.0.1")

	res, err := env.engine.Evaluate(ctx, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Decision != GateVerificationRequired || res.Redirect != "/2fa/verify" || res.Reason != KindVerificationRequired {
		t.Fatalf("unexpected result: %+v", res)
	}

	if err := env.engine.MarkVerified(ctx, "s1", "u2", MethodTOTP); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	res, err = env.engine.Evaluate(ctx, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"})
	if err != nil || res.Decision != GatePass {
		t.Fatalf("expected pass after verification, res=%+v err=%v", res, err)
	}

	// Another identity cannot ride on the record.
	env.users.add(Identity{ID: "u3", Role: "member", TwoFactorEnabled: true, TOTPSecret: rfcSecretSHA1})
	res, err = env.engine.Evaluate(ctx, GateRequest{IdentityID: "u3", SessionID: "s1", Path: "/dashboard"})
	if err != nil || res.Decision != GateVerificationRequired {
		t.Fatalf("expected verification required for other identity, res=%+v err=%v", res, err)
	}
}

func TestGateVerificationExpiresAtTimeout(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("10.0.0.1")

	if err := env.engine.MarkVerified(ctx, "s1", "u2", MethodTOTP); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}

	env.clock.Advance(120*time.Minute - time.Millisecond)
	res, err := env.engine.Evaluate(ctx, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"})
	if err != nil || res.Decision != GatePass {
		t.Fatalf("expected pass just before timeout, res=%+v err=%v", res, err)
	}

	env.clock.Advance(time.Millisecond)
	res, err = env.engine.Evaluate(ctx, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Decision != GateVerificationRequired || res.Reason != KindSessionExpired {
		t.Fatalf("expected session_expired at timeout, got %+v", res)
	}

	// The stale record was deleted, so the next request is plain unverified.
	res, _ = env.engine.Evaluate(ctx, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"})
	if res.Reason != KindVerificationRequired {
		t.Fatalf("expected verification_required after cleanup, got %s", res.Reason)
	}
}

func TestGateReportsExpiryAfterRedisClockMoves(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("10.0.0.1")

	if err := env.engine.MarkVerified(ctx, "s1", "u2", MethodTOTP); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}

	env.clock.Advance(121 * time.Minute)
	env.mr.FastForward(121 * time.Minute)
	res, err := env.engine.Evaluate(ctx, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Decision != GateVerificationRequired || res.Reason != KindSessionExpired {
		t.Fatalf("expected session_expired once the timeout passed in redis too, got %+v", res)
	}
}

func TestIsExpiredBoundary(t *testing.T) {
	env := newTestEnv(t, testConfig())
	at := testEpoch

	if env.engine.IsExpired(at, at.Add(119*time.Minute)) {
		t.Fatal("expected live before timeout")
	}
	if !env.engine.IsExpired(at, at.Add(120*time.Minute)) {
		t.Fatal("expected expired exactly at timeout")
	}
}

func TestGateFingerprintMismatchClearsRecord(t *testing.T) {
	env := newTestEnv(t, testConfig())
	verifiedCtx := WithDeviceFingerprint(clientCtx("10.0.0.1"), "device-a")

	if err := env.engine.MarkVerified(verifiedCtx, "s1", "u2", MethodTOTP); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}

	// A new address alone is tolerated.
	moved := WithDeviceFingerprint(clientCtx("10.9.9.9"), "device-a")
	res, err := env.engine.Evaluate(moved, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"})
	if err != nil || res.Decision != GatePass {
		t.Fatalf("expected pass after address change, res=%+v err=%v", res, err)
	}

	other := WithDeviceFingerprint(clientCtx("10.0.0.1"), "device-b")
	res, err = env.engine.Evaluate(other, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Decision != GateVerificationRequired || res.Reason != KindVerificationRequired {
		t.Fatalf("expected verification required on mismatch, got %+v", res)
	}
	if ok, _ := env.engine.IsVerified(verifiedCtx, "s1", "u2"); ok {
		t.Fatal("mismatched record must be deleted")
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricFingerprintMismatch]; got != 1 {
		t.Fatalf("expected one fingerprint mismatch, got %d", got)
	}
}

func TestGateUserAgentFallbackBinding(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := WithUserAgent(clientCtx("10.0.0.1"), "Browser/1.0")

	if err := env.engine.MarkVerified(ctx, "s1", "u2", MethodTOTP); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}

	// A request without a user agent is not treated as a mismatch.
	res, err := env.engine.Evaluate(clientCtx("10.0.0.1"), GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/x"})
	if err != nil || res.Decision != GatePass {
		t.Fatalf("expected pass without user agent, res=%+v err=%v", res, err)
	}

	changed := WithUserAgent(clientCtx("10.0.0.1"), "Other/2.0")
	res, err = env.engine.Evaluate(changed, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/x"})
	if err != nil || res.Decision != GateVerificationRequired {
		t.Fatalf("expected verification required after user agent change, res=%+v err=%v", res, err)
	}
}

func TestGateFingerprintNotEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.Verification.EnforceFingerprint = false
	env := newTestEnv(t, cfg)

	if err := env.engine.MarkVerified(WithDeviceFingerprint(clientCtx("10.0.0.1"), "device-a"), "s1", "u2", MethodTOTP); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	res, err := env.engine.Evaluate(WithDeviceFingerprint(clientCtx("10.0.0.1"), "device-b"), GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/x"})
	if err != nil || res.Decision != GatePass {
		t.Fatalf("expected pass with enforcement off, res=%+v err=%v", res, err)
	}
}

func TestGateLockdownForcesLogout(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("10.0.0.1")
	issuedAt := env.clock.Now().Add(-time.Minute)

	if err := env.engine.MarkVerified(ctx, "s-other", "u2", MethodTOTP); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := env.engine.RecordFailure(ctx, "u2", PolicyVerification); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}

	res, err := env.engine.Evaluate(ctx, GateRequest{IdentityID: "u2", SessionID: "s-other", Path: "/dashboard"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Decision != GateLockedDown || res.Reason != KindLockedDown {
		t.Fatalf("expected locked down, got %+v", res)
	}
	if res.Lockdown == nil || res.Lockdown.Tier != TierLockdown || !res.Lockdown.RequiresAdminUnlock {
		t.Fatalf("unexpected lockdown detail: %+v", res.Lockdown)
	}

	if ok, _ := env.engine.IsVerified(ctx, "s-other", "u2"); ok {
		t.Fatal("lockdown must delete every verification record")
	}
	revoked, err := env.engine.IsSessionRevoked(ctx, "u2", "s-other", issuedAt)
	if err != nil || !revoked {
		t.Fatalf("expected earlier token revoked, revoked=%v err=%v", revoked, err)
	}
}

func TestGateCooldownDeniesWithoutLogout(t *testing.T) {
	cfg := testConfig()
	cfg.Lockdown.FailureThreshold = 100
	env := newTestEnv(t, cfg)
	ctx := clientCtx("10.0.0.1")

	if err := env.engine.MarkVerified(ctx, "s1", "u2", MethodTOTP); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := env.engine.RecordFailure(ctx, "u2", PolicyVerification); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}

	res, err := env.engine.Evaluate(ctx, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Decision != GateLockedDown || res.Lockdown == nil || res.Lockdown.Tier != TierCooldown {
		t.Fatalf("expected cooldown, got %+v", res)
	}
	if res.Lockdown.RetryAfter(env.clock.Now()) <= 0 {
		t.Fatal("expected a positive cooldown")
	}
	if ok, _ := env.engine.IsVerified(ctx, "s1", "u2"); !ok {
		t.Fatal("cooldown must not log the session out")
	}
}

func TestGateFailsClosed(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.users.failWith = errors.New("db down")

	_, err := env.engine.Evaluate(clientCtx("10.0.0.1"), GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/dashboard"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("10.0.0.1")

	if err := env.engine.MarkVerified(ctx, "s1", "u2", MethodTOTP); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	if err := env.engine.Logout(ctx, "s1", "u2"); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if ok, _ := env.engine.IsVerified(ctx, "s1", "u2"); ok {
		t.Fatal("expected record removed on logout")
	}
	revoked, err := env.engine.IsSessionRevoked(ctx, "u2", "s1", env.clock.Now())
	if err != nil || !revoked {
		t.Fatalf("expected session revoked, revoked=%v err=%v", revoked, err)
	}
	revoked, _ = env.engine.IsSessionRevoked(ctx, "u2", "s2", env.clock.Now())
	if revoked {
		t.Fatal("other sessions must stay valid")
	}
}

func TestMarkVerifiedRequiresSession(t *testing.T) {
	env := newTestEnv(t, testConfig())

	if err := env.engine.MarkVerified(clientCtx("10.0.0.1"), "", "u2", MethodTOTP); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
