package flows

import (
	"context"
	"errors"
	"time"
)

const (
	ActionSetupAttempt = "setup_attempt"
	PolicySetup        = "setup"
)

type SetupIdentity struct {
	ID               string
	Account          string
	TwoFactorEnabled bool
}

type SetupChallenge struct {
	Secret    string
	URI       string
	QRPNG     []byte
	ExpiresAt time.Time
}

type SetupMetrics struct {
	SetupStarted   int
	SetupCompleted int
	SetupFailed    int
}

type SetupEvents struct {
	SetupStarted       string
	TwoFactorEnabled   string
	SetupConfirmFailed string
}

type SetupErrors struct {
	EngineNotReady     error
	IdentityNotFound   error
	AlreadyEnabled     error
	EnrollmentNotFound error
	InvalidCode        error
	Unavailable        error
}

type SetupDeps struct {
	Now               func() time.Time
	EnrollmentTTL     time.Duration
	RecoveryCodeCount int
	RecoveryCodeLen   int

	GetIdentity func(context.Context, string) (SetupIdentity, error)

	TrackAttempt  func(context.Context, string, string) error
	CheckLockdown func(context.Context, string) error

	GenerateSecret func(string) (string, string, error)
	RenderQR       func(string) ([]byte, error)
	VerifyTOTP     func(string, string, time.Time) (bool, int64, error)

	SavePending   func(context.Context, string, string, time.Duration) error
	GetPending    func(context.Context, string) (string, error)
	DeletePending func(context.Context, string) error

	EnableTwoFactor    func(context.Context, string, string, [][32]byte) error
	AdvanceTOTPCounter func(context.Context, string, int64) (bool, error)

	RecordFailure func(context.Context, string, string, error) error
	ClearAttempts func(context.Context, string) error
	MarkVerified  func(context.Context, string, string, string) error

	RandomIndex func(int) (int, error)

	MetricInc func(int)
	EmitAudit func(context.Context, string, bool, string, string, error, func() map[string]string)

	Metrics SetupMetrics
	Events  SetupEvents
	Errors  SetupErrors
}

// RunBeginSetup generates a fresh secret and parks it until RunConfirmSetup
// proves the authenticator app holds it. Calling it again replaces the
// pending secret.
func RunBeginSetup(ctx context.Context, identityID string, deps SetupDeps) (*SetupChallenge, error) {
	normalizeSetupDeps(&deps)

	if deps.GetIdentity == nil || deps.GenerateSecret == nil || deps.SavePending == nil || deps.TrackAttempt == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if identityID == "" {
		return nil, deps.Errors.IdentityNotFound
	}

	identity, err := deps.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, deps.Errors.IdentityNotFound) {
			return nil, deps.Errors.IdentityNotFound
		}
		return nil, deps.Errors.Unavailable
	}
	if identity.TwoFactorEnabled {
		return nil, deps.Errors.AlreadyEnabled
	}
	if err := deps.TrackAttempt(ctx, identity.ID, ActionSetupAttempt); err != nil {
		return nil, err
	}

	account := identity.Account
	if account == "" {
		account = identity.ID
	}
	secret, uri, err := deps.GenerateSecret(account)
	if err != nil {
		return nil, deps.Errors.Unavailable
	}
	if err := deps.SavePending(ctx, identity.ID, secret, deps.EnrollmentTTL); err != nil {
		return nil, deps.Errors.Unavailable
	}

	out := &SetupChallenge{
		Secret:    secret,
		URI:       uri,
		ExpiresAt: deps.Now().Add(deps.EnrollmentTTL),
	}
	if deps.RenderQR != nil {
		png, err := deps.RenderQR(uri)
		if err != nil {
			return nil, deps.Errors.Unavailable
		}
		out.QRPNG = png
	}

	deps.MetricInc(deps.Metrics.SetupStarted)
	deps.EmitAudit(ctx, deps.Events.SetupStarted, true, identity.ID, "", nil, nil)
	return out, nil
}

// RunConfirmSetup enables the second factor once code matches the pending
// secret and returns the freshly generated recovery codes.
func RunConfirmSetup(ctx context.Context, sessionID, identityID, code string, deps SetupDeps) ([]string, error) {
	normalizeSetupDeps(&deps)

	if deps.GetIdentity == nil || deps.GetPending == nil || deps.VerifyTOTP == nil ||
		deps.EnableTwoFactor == nil || deps.TrackAttempt == nil || deps.CheckLockdown == nil ||
		deps.RecordFailure == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if identityID == "" {
		return nil, deps.Errors.IdentityNotFound
	}

	identity, err := deps.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, deps.Errors.IdentityNotFound) {
			return nil, deps.Errors.IdentityNotFound
		}
		return nil, deps.Errors.Unavailable
	}
	if identity.TwoFactorEnabled {
		return nil, deps.Errors.AlreadyEnabled
	}
	if err := deps.TrackAttempt(ctx, identity.ID, ActionSetupAttempt); err != nil {
		return nil, err
	}
	if err := deps.CheckLockdown(ctx, identity.ID); err != nil {
		return nil, err
	}

	secret, err := deps.GetPending(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, deps.Errors.EnrollmentNotFound) {
			return nil, deps.Errors.EnrollmentNotFound
		}
		return nil, deps.Errors.Unavailable
	}

	ok, counter, err := deps.VerifyTOTP(secret, code, deps.Now())
	if err != nil {
		return nil, deps.Errors.Unavailable
	}
	if !ok {
		deps.MetricInc(deps.Metrics.SetupFailed)
		deps.EmitAudit(ctx, deps.Events.SetupConfirmFailed, false, identity.ID, sessionID, deps.Errors.InvalidCode, nil)
		if err := deps.RecordFailure(ctx, identity.ID, PolicySetup, deps.Errors.InvalidCode); err != nil {
			return nil, err
		}
		return nil, deps.Errors.InvalidCode
	}

	codes, hashes, err := GenerateRecoveryCodes(identity.ID, deps.RecoveryCodeCount, deps.RecoveryCodeLen, deps.RandomIndex)
	if err != nil {
		return nil, deps.Errors.Unavailable
	}
	if err := deps.EnableTwoFactor(ctx, identity.ID, secret, hashes); err != nil {
		return nil, deps.Errors.Unavailable
	}
	if deps.AdvanceTOTPCounter != nil {
		if _, err := deps.AdvanceTOTPCounter(ctx, identity.ID, counter); err != nil {
			return nil, deps.Errors.Unavailable
		}
	}
	if deps.DeletePending != nil {
		_ = deps.DeletePending(ctx, identity.ID)
	}
	if deps.ClearAttempts != nil {
		_ = deps.ClearAttempts(ctx, identity.ID)
	}
	if deps.MarkVerified != nil && sessionID != "" {
		if err := deps.MarkVerified(ctx, sessionID, identity.ID, MethodTOTP); err != nil {
			return nil, deps.Errors.Unavailable
		}
	}

	deps.MetricInc(deps.Metrics.SetupCompleted)
	deps.EmitAudit(ctx, deps.Events.TwoFactorEnabled, true, identity.ID, sessionID, nil, nil)
	return codes, nil
}

func normalizeSetupDeps(deps *SetupDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.EnrollmentTTL <= 0 {
		deps.EnrollmentTTL = 10 * time.Minute
	}
	if deps.RecoveryCodeCount <= 0 {
		deps.RecoveryCodeCount = 8
	}
	if deps.RecoveryCodeLen <= 0 {
		deps.RecoveryCodeLen = 8
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
}
