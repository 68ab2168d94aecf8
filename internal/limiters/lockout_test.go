package limiters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return rdb, mr
}

func testLockoutConfig() LockoutConfig {
	return LockoutConfig{
		Policies: map[string]ActionPolicy{
			"verification":       {MaxAttempts: 5, CooldownBase: 15 * time.Minute, Weight: 1},
			"recovery_code":      {MaxAttempts: 3, CooldownBase: time.Hour, Weight: 2},
			"emergency_recovery": {MaxAttempts: 2, CooldownBase: 24 * time.Hour, Weight: 3},
			"session":            {MaxAttempts: 0, CooldownBase: time.Minute, Weight: 0},
		},
		LockdownThreshold: 5,
		ScoreWindow:       24 * time.Hour,
	}
}

func TestProgressiveDuration(t *testing.T) {
	base := 15 * time.Minute
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{1, base}, {3, base}, {4, 2 * base}, {5, 2 * base}, {6, 4 * base},
		{7, 4 * base}, {8, 8 * base}, {10, 8 * base}, {11, 16 * base}, {40, 16 * base},
	}
	for _, tc := range cases {
		if got := ProgressiveDuration(base, tc.failures); got != tc.want {
			t.Fatalf("failures=%d: got %v want %v", tc.failures, got, tc.want)
		}
	}
}

func TestCooldownStartsAtMaxAttempts(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := NewLockoutLimiter(rdb, testLockoutConfig())
	ctx := context.Background()
	now := time.Now()

	for i := 1; i <= 2; i++ {
		esc, err := l.RecordFailure(ctx, "u1", "recovery_code", "10.0.0.1", now)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if esc.Cooldown != 0 {
			t.Fatalf("failure %d should not cool down", i)
		}
	}
	esc, err := l.RecordFailure(ctx, "u1", "recovery_code", "10.0.0.1", now)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if esc.Cooldown != time.Hour {
		t.Fatalf("expected one hour cooldown, got %v", esc.Cooldown)
	}

	st, err := l.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Restricted() || st.CooldownAction != "recovery_code" {
		t.Fatalf("expected cooldown status, got %+v", st)
	}

	mr.FastForward(time.Hour + time.Second)
	st, err = l.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.CooldownRemaining != 0 {
		t.Fatalf("cooldown should have elapsed, got %v", st.CooldownRemaining)
	}
}

func TestWeightedScoreTriggersPersistentLockdownOnce(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := NewLockoutLimiter(rdb, testLockoutConfig())
	ctx := context.Background()
	now := time.Now()

	var triggered int
	for i := 0; i < 3; i++ {
		esc, err := l.RecordFailure(ctx, "u1", "recovery_code", "10.0.0.1", now)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if esc.LockdownTriggered {
			triggered++
		}
	}
	if triggered != 1 {
		t.Fatalf("expected exactly one trigger, got %d", triggered)
	}

	// Lockdown records do not expire on their own.
	mr.FastForward(30 * 24 * time.Hour)
	st, err := l.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Lockdown == nil || st.Lockdown.Action != "recovery_code" {
		t.Fatalf("expected persistent lockdown, got %+v", st)
	}

	list, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].IdentityID != "u1" {
		t.Fatalf("unexpected lockdown list %+v", list)
	}
}

func TestZeroWeightFailuresNeverLockDown(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := NewLockoutLimiter(rdb, testLockoutConfig())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		esc, err := l.RecordFailure(ctx, "u1", "session", "", time.Now())
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if esc.LockedDown || esc.Score != 0 {
			t.Fatalf("re-prompts must not escalate: %+v", esc)
		}
	}
}

func TestAdminInterventionAtDoubleThreshold(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := NewLockoutLimiter(rdb, testLockoutConfig())
	ctx := context.Background()

	var last *Escalation
	for i := 0; i < 4; i++ {
		esc, err := l.RecordFailure(ctx, "u1", "emergency_recovery", "", time.Now())
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		last = esc
	}
	if !last.AdminIntervention {
		t.Fatalf("expected admin intervention at score %d", last.Score)
	}
	st, _ := l.Status(ctx, "u1")
	if st.Lockdown == nil || !st.Lockdown.AdminIntervention {
		t.Fatalf("record should be upgraded, got %+v", st.Lockdown)
	}
}

func TestUnlockClearsEverything(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := NewLockoutLimiter(rdb, testLockoutConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.RecordFailure(ctx, "u1", "verification", "", time.Now()); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	record, err := l.Unlock(ctx, "u1")
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if record == nil || record.IdentityID != "u1" {
		t.Fatalf("unexpected record %+v", record)
	}

	st, err := l.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Restricted() {
		t.Fatalf("expected clean state after unlock, got %+v", st)
	}

	esc, err := l.RecordFailure(ctx, "u1", "verification", "", time.Now())
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if esc.Failures != 1 || esc.Score != 1 {
		t.Fatalf("counters should restart, got %+v", esc)
	}

	if _, err := l.Unlock(ctx, "nobody"); !errors.Is(err, ErrLockdownNotFound) {
		t.Fatalf("expected ErrLockdownNotFound, got %v", err)
	}
}

func TestResetClearsScoreButNotLockdown(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := NewLockoutLimiter(rdb, testLockoutConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = l.RecordFailure(ctx, "u1", "verification", "", time.Now())
	}
	if err := l.Reset(ctx, "u1", "verification"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	esc, err := l.RecordFailure(ctx, "u1", "verification", "", time.Now())
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if esc.Failures != 1 || esc.Score != 1 {
		t.Fatalf("expected fresh counters, got %+v", esc)
	}
}

func TestLockoutBackendFailure(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := NewLockoutLimiter(rdb, testLockoutConfig())
	mr.Close()

	if _, err := l.RecordFailure(context.Background(), "u1", "verification", "", time.Now()); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
	if _, err := l.Status(context.Background(), "u1"); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
}

func TestCoordinatedAttackDetection(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ring := NewGlobalFailureRing(rdb, GlobalFailureConfig{})
	ctx := context.Background()
	now := time.Now()

	users := []string{"u1", "u2", "u3"}
	for i := 0; i < 12; i++ {
		if err := ring.Record(ctx, "203.0.113.9", users[i%len(users)], now); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	for i := 0; i < 15; i++ {
		_ = ring.Record(ctx, "198.51.100.1", "u9", now)
	}
	// Old entries fall outside the window.
	for i := 0; i < 12; i++ {
		_ = ring.Record(ctx, "192.0.2.7", users[i%len(users)], now.Add(-2*time.Hour))
	}

	threats, err := ring.Detect(ctx, now)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(threats) != 1 {
		t.Fatalf("expected one threat, got %+v", threats)
	}
	if threats[0].IP != "203.0.113.9" || threats[0].Identities != 3 || threats[0].Attempts != 12 {
		t.Fatalf("unexpected threat %+v", threats[0])
	}
}

func TestGlobalRingCapacity(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ring := NewGlobalFailureRing(rdb, GlobalFailureConfig{Capacity: 5})
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_ = ring.Record(ctx, "203.0.113.9", "u1", time.Now())
	}
	n, err := rdb.LLen(ctx, globalFailuresKey).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected ring capped at 5, got %d", n)
	}
}
