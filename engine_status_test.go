package twofa

import (
	"errors"
	"testing"
)

func TestStatusReportsSessionState(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("10.0.0.1")
	env.giveRecoveryCodes(t, "u2", "AAAA-BBBB", "CCCC-DDDD")

	st, err := env.engine.Status(ctx, "s1", "u2")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Enabled || st.Required || st.Verified || !st.SMSAvailable {
		t.Fatalf("unexpected status before verification: %+v", st)
	}
	if st.RecoveryCodesRemaining != 2 || !st.HasRecoveryCodes {
		t.Fatalf("unexpected recovery code status: %+v", st)
	}

	if _, err := env.engine.Verify(ctx, VerifyRequest{SessionID: "s1", IdentityID: "u2", Method: MethodRecoveryCode, Code: "AAAA-BBBB"}); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	st, err = env.engine.Status(ctx, "s1", "u2")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Verified || st.Method != MethodRecoveryCode || !st.VerifiedAt.Equal(testEpoch) {
		t.Fatalf("unexpected status after verification: %+v", st)
	}
	if st.RecoveryCodesRemaining != 1 || st.Lockdown != nil {
		t.Fatalf("unexpected status detail: %+v", st)
	}

	st, err = env.engine.Status(ctx, "", "admin1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Enabled || !st.Required || st.SMSAvailable {
		t.Fatalf("unexpected admin status: %+v", st)
	}
}

func TestStatusIncludesLockdown(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("10.0.0.1")

	for i := 0; i < 5; i++ {
		if _, err := env.engine.RecordFailure(ctx, "u2", PolicyVerification); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}
	st, err := env.engine.Status(ctx, "", "u2")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Lockdown == nil || st.Lockdown.Tier != TierLockdown {
		t.Fatalf("expected lockdown in status: %+v", st.Lockdown)
	}
}

func TestStatistics(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("10.0.0.1")

	for i := 0; i < 5; i++ {
		if _, err := env.engine.RecordFailure(ctx, "u2", PolicyVerification); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}
	if _, err := env.engine.RequestEmergencyRecovery(ctx, validEmergencyRequest("u2")); err != nil {
		t.Fatalf("RequestEmergencyRecovery failed: %v", err)
	}

	stats, err := env.engine.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	want := Statistics{
		TotalIdentities:    3,
		Enabled:            1,
		Required:           1,
		RequiredEnabled:    0,
		ComplianceRate:     0,
		AdoptionRate:       33.33,
		ActiveLockdowns:    1,
		PendingEmergencies: 1,
	}
	if *stats != want {
		t.Fatalf("Statistics = %+v, want %+v", *stats, want)
	}
}

func TestStatisticsComplianceWithoutMandatoryRoles(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.MandatoryRoles = nil
	env := newTestEnv(t, cfg)

	stats, err := env.engine.Statistics(clientCtx("10.0.0.1"))
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.Required != 0 || stats.ComplianceRate != 100 {
		t.Fatalf("expected full compliance without mandatory roles: %+v", stats)
	}
}

func TestStatusUnknownIdentity(t *testing.T) {
	env := newTestEnv(t, testConfig())

	if _, err := env.engine.Status(clientCtx("10.0.0.1"), "s1", "nobody"); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestPercent(t *testing.T) {
	cases := []struct {
		part, total int
		want        float64
	}{
		{1, 3, 33.33},
		{2, 3, 66.67},
		{5, 5, 100},
		{0, 7, 0},
	}
	for _, tc := range cases {
		if got := percent(tc.part, tc.total); got != tc.want {
			t.Fatalf("percent(%d, %d) = %v, want %v", tc.part, tc.total, got, tc.want)
		}
	}
}
