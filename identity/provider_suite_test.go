package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MrEthical07/twofa"
)

type storeFactory func(t *testing.T, seed ...twofa.Identity) twofa.IdentityProvider

func seedIdentities() []twofa.Identity {
	return []twofa.Identity{
		{ID: "u1", Email: "u1@example.com", Role: "member", PasswordHash: "hash-u1"},
		{ID: "a1", Email: "a1@example.com", Role: "Admin", PasswordHash: "hash-a1"},
		{ID: "m1", Email: "m1@example.com", Role: "manager", PhoneNumber: "+15550000001"},
	}
}

func codeHashes(codes ...string) [][32]byte {
	out := make([][32]byte, len(codes))
	for i, c := range codes {
		out[i] = sha256.Sum256([]byte(c))
	}
	return out
}

func runProviderSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("get unknown identity", func(t *testing.T) {
		s := newStore(t, seedIdentities()...)
		if _, err := s.GetIdentity(ctx, "nobody"); !errors.Is(err, twofa.ErrIdentityNotFound) {
			t.Fatalf("expected ErrIdentityNotFound, got %v", err)
		}
		got, err := s.GetIdentity(ctx, "m1")
		if err != nil {
			t.Fatalf("GetIdentity failed: %v", err)
		}
		if got.PhoneNumber != "+15550000001" || got.Role != "manager" || got.TwoFactorEnabled {
			t.Fatalf("unexpected identity: %+v", got)
		}
	})

	t.Run("enable and disable", func(t *testing.T) {
		s := newStore(t, seedIdentities()...)
		if err := s.EnableTwoFactor(ctx, "u1", "SECRET", codeHashes("A", "B")); err != nil {
			t.Fatalf("EnableTwoFactor failed: %v", err)
		}
		got, _ := s.GetIdentity(ctx, "u1")
		if !got.TwoFactorEnabled || got.TOTPSecret != "SECRET" || got.TOTPLastCounter != 0 {
			t.Fatalf("unexpected identity after enable: %+v", got)
		}
		if n, _ := s.RecoveryCodesRemaining(ctx, "u1"); n != 2 {
			t.Fatalf("expected 2 codes, got %d", n)
		}
		if err := s.DisableTwoFactor(ctx, "u1"); err != nil {
			t.Fatalf("DisableTwoFactor failed: %v", err)
		}
		got, _ = s.GetIdentity(ctx, "u1")
		if got.TwoFactorEnabled || got.TOTPSecret != "" {
			t.Fatalf("unexpected identity after disable: %+v", got)
		}
		if n, _ := s.RecoveryCodesRemaining(ctx, "u1"); n != 0 {
			t.Fatalf("expected codes cleared, got %d", n)
		}
		if err := s.EnableTwoFactor(ctx, "nobody", "S", nil); !errors.Is(err, twofa.ErrIdentityNotFound) {
			t.Fatalf("expected ErrIdentityNotFound, got %v", err)
		}
	})

	t.Run("totp counter only moves forward", func(t *testing.T) {
		s := newStore(t, seedIdentities()...)
		_ = s.EnableTwoFactor(ctx, "u1", "SECRET", nil)
		for _, tc := range []struct {
			counter int64
			want    bool
		}{{100, true}, {100, false}, {99, false}, {101, true}} {
			ok, err := s.AdvanceTOTPCounter(ctx, "u1", tc.counter)
			if err != nil {
				t.Fatalf("AdvanceTOTPCounter failed: %v", err)
			}
			if ok != tc.want {
				t.Fatalf("counter %d: got %v want %v", tc.counter, ok, tc.want)
			}
		}
		if _, err := s.AdvanceTOTPCounter(ctx, "nobody", 1); !errors.Is(err, twofa.ErrIdentityNotFound) {
			t.Fatalf("expected ErrIdentityNotFound, got %v", err)
		}
	})

	t.Run("recovery codes single use", func(t *testing.T) {
		s := newStore(t, seedIdentities()...)
		if state, err := s.ConsumeRecoveryCode(ctx, "u1", codeHashes("A")[0]); err != nil || state != twofa.RecoveryCodeNoneIssued {
			t.Fatalf("expected none_issued before enrollment, got %s %v", state, err)
		}
		hashes := codeHashes("A", "B", "C")
		_ = s.EnableTwoFactor(ctx, "u1", "SECRET", hashes)

		for i, h := range hashes {
			state, err := s.ConsumeRecoveryCode(ctx, "u1", h)
			if err != nil || state != twofa.RecoveryCodeConsumed {
				t.Fatalf("code %d: state=%s err=%v", i, state, err)
			}
		}
		if state, _ := s.ConsumeRecoveryCode(ctx, "u1", hashes[0]); state != twofa.RecoveryCodeAlreadyUsed {
			t.Fatalf("expected already_used, got %s", state)
		}
		if state, _ := s.ConsumeRecoveryCode(ctx, "u1", codeHashes("D")[0]); state != twofa.RecoveryCodeUnknown {
			t.Fatalf("expected unknown, got %s", state)
		}
		if n, _ := s.RecoveryCodesRemaining(ctx, "u1"); n != 0 {
			t.Fatalf("expected 0 remaining, got %d", n)
		}

		if err := s.ReplaceRecoveryCodes(ctx, "u1", codeHashes("E", "F")); err != nil {
			t.Fatalf("ReplaceRecoveryCodes failed: %v", err)
		}
		if state, _ := s.ConsumeRecoveryCode(ctx, "u1", hashes[1]); state != twofa.RecoveryCodeUnknown {
			t.Fatalf("old code must be gone after replace, got %s", state)
		}
		if n, _ := s.RecoveryCodesRemaining(ctx, "u1"); n != 2 {
			t.Fatalf("expected 2 remaining, got %d", n)
		}
	})

	t.Run("concurrent consume has one winner", func(t *testing.T) {
		s := newStore(t, seedIdentities()...)
		hash := codeHashes("RACE")
		_ = s.EnableTwoFactor(ctx, "u1", "SECRET", hash)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				state, err := s.ConsumeRecoveryCode(ctx, "u1", hash[0])
				if err == nil && state == twofa.RecoveryCodeConsumed {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins.Load())
		}
	})

	t.Run("count identities", func(t *testing.T) {
		s := newStore(t, seedIdentities()...)
		_ = s.EnableTwoFactor(ctx, "a1", "SECRET", nil)
		_ = s.EnableTwoFactor(ctx, "u1", "SECRET", nil)

		c, err := s.CountIdentities(ctx, []string{"admin", "MANAGER"})
		if err != nil {
			t.Fatalf("CountIdentities failed: %v", err)
		}
		want := twofa.IdentityCounts{Total: 3, Enabled: 2, Required: 2, RequiredEnabled: 1}
		if c != want {
			t.Fatalf("got %+v want %+v", c, want)
		}
	})
}
