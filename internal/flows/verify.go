package flows

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Second-factor methods accepted by RunVerify.
const (
	MethodTOTP         = "totp"
	MethodRecoveryCode = "recovery_code"
	MethodSMS          = "sms"
)

// Limiter actions and lockdown policies touched by RunVerify.
const (
	ActionVerification = "verification"
	ActionRecoveryCode = "recovery_code"

	PolicyVerification = "verification"
	PolicyRecoveryCode = "recovery_code"
	PolicySMS          = "sms"
)

// RecoveryCodeState is the outcome of an atomic recovery-code consume.
type RecoveryCodeState uint8

const (
	RecoveryCodeUnknown RecoveryCodeState = iota
	RecoveryCodeConsumed
	RecoveryCodeAlreadyUsed
	// RecoveryCodeNoneIssued means the identity holds no codes at all,
	// used or not.
	RecoveryCodeNoneIssued
)

type VerifyIdentity struct {
	ID               string
	Role             string
	TwoFactorEnabled bool
	TOTPSecret       string
	TOTPLastCounter  int64
}

type VerifyInput struct {
	SessionID  string
	IdentityID string
	Method     string
	Code       string
}

type VerifyOutcome struct {
	Method                 string
	RecoveryCodesRemaining int
	LowRecoveryCodes       bool
	NeedsReenrollment      bool
}

type VerifyMetrics struct {
	VerifySuccess        int
	VerifyFailure        int
	VerifyRateLimited    int
	VerifyLockedDown     int
	RecoveryCodeUsed     int
	RecoveryCodeFailed   int
	RecoveryCodesMissing int
}

type VerifyEvents struct {
	VerifySuccess string
	VerifyFailure string
}

type VerifyErrors struct {
	EngineNotReady   error
	IdentityNotFound error
	SetupRequired    error
	InvalidMethod    error
	InvalidCode      error
	ExpiredCode      error
	AlreadyUsed      error
	NoRecoveryCodes  error
	SMSUnavailable   error
	Unavailable      error
}

// VerifyDeps wires RunVerify to the engine. TrackAttempt and CheckLockdown
// return the engine's typed rate-limit and lockdown errors unchanged.
type VerifyDeps struct {
	Now                  func() time.Time
	LowRecoveryWatermark int

	GetIdentity func(context.Context, string) (VerifyIdentity, error)

	TrackAttempt  func(context.Context, string, string) error
	CheckLockdown func(context.Context, string) error

	VerifyTOTP             func(string, string, time.Time) (bool, int64, error)
	AdvanceTOTPCounter     func(context.Context, string, int64) (bool, error)
	RecoveryCodesRemaining func(context.Context, string) (int, error)
	ConsumeRecoveryCode    func(context.Context, string, [32]byte) (RecoveryCodeState, error)
	ConsumeSMSCode         func(context.Context, string, string, time.Time) error

	RecordFailure func(context.Context, string, string, error) error
	ClearAttempts func(context.Context, string) error
	ResetFailures func(context.Context, string, string) error
	MarkVerified  func(context.Context, string, string, string) error

	MetricInc      func(int)
	ObserveLatency func(time.Duration)
	EmitAudit      func(context.Context, string, bool, string, string, error, func() map[string]string)

	Metrics VerifyMetrics
	Events  VerifyEvents
	Errors  VerifyErrors
}

// ActionForMethod returns the rate limiter action counting attempts of a
// method.
func ActionForMethod(method string) string {
	if method == MethodRecoveryCode {
		return ActionRecoveryCode
	}
	return ActionVerification
}

// PolicyForMethod returns the escalation policy charged for a failure of a
// method.
func PolicyForMethod(method string) string {
	switch method {
	case MethodRecoveryCode:
		return PolicyRecoveryCode
	case MethodSMS:
		return PolicySMS
	default:
		return PolicyVerification
	}
}

// RunVerify checks one second-factor submission. The attempt is counted
// before anything else is evaluated, so a correct code submitted over the
// limit is still rejected.
func RunVerify(ctx context.Context, in VerifyInput, deps VerifyDeps) (*VerifyOutcome, error) {
	normalizeVerifyDeps(&deps)

	if deps.GetIdentity == nil || deps.TrackAttempt == nil || deps.CheckLockdown == nil ||
		deps.RecordFailure == nil || deps.MarkVerified == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if in.IdentityID == "" {
		return nil, deps.Errors.IdentityNotFound
	}

	method := strings.TrimSpace(in.Method)
	switch method {
	case MethodTOTP, MethodRecoveryCode, MethodSMS:
	default:
		return nil, deps.Errors.InvalidMethod
	}

	start := time.Now()
	defer func() { deps.ObserveLatency(time.Since(start)) }()

	identity, err := deps.GetIdentity(ctx, in.IdentityID)
	if err != nil {
		if errors.Is(err, deps.Errors.IdentityNotFound) {
			return nil, deps.Errors.IdentityNotFound
		}
		return nil, deps.Errors.Unavailable
	}
	if !identity.TwoFactorEnabled {
		return nil, deps.Errors.SetupRequired
	}

	if err := deps.TrackAttempt(ctx, identity.ID, ActionForMethod(method)); err != nil {
		deps.MetricInc(deps.Metrics.VerifyRateLimited)
		return nil, err
	}
	if err := deps.CheckLockdown(ctx, identity.ID); err != nil {
		deps.MetricInc(deps.Metrics.VerifyLockedDown)
		return nil, err
	}

	out := &VerifyOutcome{Method: method, RecoveryCodesRemaining: -1}
	now := deps.Now()

	var failure error
	switch method {
	case MethodTOTP:
		failure = verifyTOTP(ctx, identity, in.Code, now, deps)
	case MethodRecoveryCode:
		failure = verifyRecoveryCode(ctx, identity, in.Code, out, deps)
	case MethodSMS:
		failure = verifySMS(ctx, identity, in.Code, now, deps)
	}
	if failure != nil && !isCodeFailure(failure, deps.Errors) {
		return nil, failure
	}

	if failure != nil {
		deps.MetricInc(deps.Metrics.VerifyFailure)
		if method == MethodRecoveryCode {
			deps.MetricInc(deps.Metrics.RecoveryCodeFailed)
		}
		deps.EmitAudit(ctx, deps.Events.VerifyFailure, false, identity.ID, in.SessionID, failure, func() map[string]string {
			return map[string]string{"method": method}
		})
		if errors.Is(failure, deps.Errors.NoRecoveryCodes) {
			return nil, failure
		}
		if err := deps.RecordFailure(ctx, identity.ID, PolicyForMethod(method), failure); err != nil {
			return nil, err
		}
		return nil, failure
	}

	if err := deps.ClearAttempts(ctx, identity.ID); err != nil {
		return nil, deps.Errors.Unavailable
	}
	if err := deps.ResetFailures(ctx, identity.ID, PolicyForMethod(method)); err != nil {
		return nil, deps.Errors.Unavailable
	}
	if err := deps.MarkVerified(ctx, in.SessionID, identity.ID, method); err != nil {
		return nil, deps.Errors.Unavailable
	}

	deps.MetricInc(deps.Metrics.VerifySuccess)
	if method == MethodRecoveryCode {
		deps.MetricInc(deps.Metrics.RecoveryCodeUsed)
	}
	deps.EmitAudit(ctx, deps.Events.VerifySuccess, true, identity.ID, in.SessionID, nil, func() map[string]string {
		return map[string]string{"method": method}
	})
	return out, nil
}

func isCodeFailure(err error, e VerifyErrors) bool {
	return errors.Is(err, e.InvalidCode) ||
		errors.Is(err, e.ExpiredCode) ||
		errors.Is(err, e.AlreadyUsed) ||
		errors.Is(err, e.NoRecoveryCodes)
}

func verifyTOTP(ctx context.Context, identity VerifyIdentity, code string, now time.Time, deps VerifyDeps) error {
	if deps.VerifyTOTP == nil || deps.AdvanceTOTPCounter == nil {
		return deps.Errors.EngineNotReady
	}
	if identity.TOTPSecret == "" {
		return deps.Errors.SetupRequired
	}

	ok, counter, err := deps.VerifyTOTP(identity.TOTPSecret, code, now)
	if err != nil {
		return deps.Errors.Unavailable
	}
	if !ok {
		return deps.Errors.InvalidCode
	}
	if counter <= identity.TOTPLastCounter {
		return deps.Errors.AlreadyUsed
	}

	advanced, err := deps.AdvanceTOTPCounter(ctx, identity.ID, counter)
	if err != nil {
		return deps.Errors.Unavailable
	}
	if !advanced {
		return deps.Errors.AlreadyUsed
	}
	return nil
}

func verifyRecoveryCode(ctx context.Context, identity VerifyIdentity, code string, out *VerifyOutcome, deps VerifyDeps) error {
	if deps.RecoveryCodesRemaining == nil || deps.ConsumeRecoveryCode == nil {
		return deps.Errors.EngineNotReady
	}

	canonical := CanonicalizeRecoveryCode(code)
	if canonical == "" {
		return deps.Errors.InvalidCode
	}

	// The consume decides the outcome. A spent set still tells reused codes
	// apart from codes that were never issued.
	state, err := deps.ConsumeRecoveryCode(ctx, identity.ID, RecoveryCodeHash(identity.ID, canonical))
	if err != nil {
		return deps.Errors.Unavailable
	}
	switch state {
	case RecoveryCodeConsumed:
	case RecoveryCodeAlreadyUsed:
		return deps.Errors.AlreadyUsed
	case RecoveryCodeNoneIssued:
		deps.MetricInc(deps.Metrics.RecoveryCodesMissing)
		return deps.Errors.NoRecoveryCodes
	default:
		return deps.Errors.InvalidCode
	}

	remaining, err := deps.RecoveryCodesRemaining(ctx, identity.ID)
	if err != nil {
		return deps.Errors.Unavailable
	}
	out.RecoveryCodesRemaining = remaining
	out.NeedsReenrollment = remaining == 0
	out.LowRecoveryCodes = remaining <= deps.LowRecoveryWatermark
	return nil
}

func verifySMS(ctx context.Context, identity VerifyIdentity, code string, now time.Time, deps VerifyDeps) error {
	if deps.ConsumeSMSCode == nil {
		return deps.Errors.SMSUnavailable
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return deps.Errors.InvalidCode
	}

	err := deps.ConsumeSMSCode(ctx, identity.ID, code, now)
	if err == nil || isCodeFailure(err, deps.Errors) {
		return err
	}
	return deps.Errors.Unavailable
}

func normalizeVerifyDeps(deps *VerifyDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ClearAttempts == nil {
		deps.ClearAttempts = func(context.Context, string) error { return nil }
	}
	if deps.ResetFailures == nil {
		deps.ResetFailures = func(context.Context, string, string) error { return nil }
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.ObserveLatency == nil {
		deps.ObserveLatency = func(time.Duration) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
}
