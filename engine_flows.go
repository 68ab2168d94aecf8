package twofa

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/twofa/internal/flows"
	"github.com/MrEthical07/twofa/internal/rate"
	"github.com/MrEthical07/twofa/internal/stores"
	"go.uber.org/zap"
)

func (e *Engine) flowDeps() flows.Deps {
	return flows.Deps{
		Verify:        e.verifyDeps(),
		Setup:         e.setupDeps(),
		RecoveryCodes: e.recoveryCodeDeps(),
	}
}

func (e *Engine) flowMetricInc(id int) {
	e.metricInc(MetricID(id))
}

func (e *Engine) verifyDeps() flows.VerifyDeps {
	var consumeSMS func(context.Context, string, string, time.Time) error
	if e.smsSender != nil {
		consumeSMS = e.consumeSMSCode
	}
	return flows.VerifyDeps{
		Now:                  e.now,
		LowRecoveryWatermark: e.config.RecoveryCodes.LowWatermark,
		GetIdentity: func(ctx context.Context, identityID string) (flows.VerifyIdentity, error) {
			identity, err := e.getIdentity(ctx, identityID)
			if err != nil {
				return flows.VerifyIdentity{}, err
			}
			return flows.VerifyIdentity{
				ID:               identity.ID,
				Role:             identity.Role,
				TwoFactorEnabled: identity.TwoFactorEnabled,
				TOTPSecret:       identity.TOTPSecret,
				TOTPLastCounter:  identity.TOTPLastCounter,
			}, nil
		},
		TrackAttempt:  e.trackAttempt,
		CheckLockdown: e.checkLockdown,
		VerifyTOTP:    e.totp.VerifyCode,
		AdvanceTOTPCounter: func(ctx context.Context, identityID string, counter int64) (bool, error) {
			ok, err := e.identities.AdvanceTOTPCounter(ctx, identityID, counter)
			if err != nil {
				return false, e.unavailable("advance_totp_counter", err, zap.String("identity_id", identityID))
			}
			return ok, nil
		},
		RecoveryCodesRemaining: func(ctx context.Context, identityID string) (int, error) {
			n, err := e.identities.RecoveryCodesRemaining(ctx, identityID)
			if err != nil {
				return 0, e.unavailable("recovery_codes_remaining", err, zap.String("identity_id", identityID))
			}
			return n, nil
		},
		ConsumeRecoveryCode: func(ctx context.Context, identityID string, hash [32]byte) (flows.RecoveryCodeState, error) {
			state, err := e.identities.ConsumeRecoveryCode(ctx, identityID, hash)
			if err != nil {
				return flows.RecoveryCodeUnknown, e.unavailable("consume_recovery_code", err, zap.String("identity_id", identityID))
			}
			switch state {
			case RecoveryCodeConsumed:
				return flows.RecoveryCodeConsumed, nil
			case RecoveryCodeAlreadyUsed:
				return flows.RecoveryCodeAlreadyUsed, nil
			case RecoveryCodeNoneIssued:
				return flows.RecoveryCodeNoneIssued, nil
			default:
				return flows.RecoveryCodeUnknown, nil
			}
		},
		ConsumeSMSCode: consumeSMS,
		RecordFailure:  e.recordCodeFailure,
		ClearAttempts:  e.clearAttempts,
		ResetFailures: func(ctx context.Context, identityID, policy string) error {
			if err := e.lockout.Reset(ctx, identityID, policy); err != nil {
				return e.unavailable("lockout_reset", err, zap.String("identity_id", identityID))
			}
			return nil
		},
		MarkVerified: func(ctx context.Context, sessionID, identityID, method string) error {
			return e.MarkVerified(ctx, sessionID, identityID, Method(method))
		},
		MetricInc: e.flowMetricInc,
		ObserveLatency: func(d time.Duration) {
			e.observeLatency(MetricVerifyLatency, d)
		},
		EmitAudit: e.emitAudit,
		Metrics: flows.VerifyMetrics{
			VerifySuccess:        int(MetricVerifySuccess),
			VerifyFailure:        int(MetricVerifyFailure),
			VerifyRateLimited:    int(MetricVerifyRateLimited),
			VerifyLockedDown:     int(MetricVerifyLockedDown),
			RecoveryCodeUsed:     int(MetricRecoveryCodeUsed),
			RecoveryCodeFailed:   int(MetricRecoveryCodeFailed),
			RecoveryCodesMissing: int(MetricRecoveryCodesMissing),
		},
		Events: flows.VerifyEvents{
			VerifySuccess: auditEventVerifySuccess,
			VerifyFailure: auditEventVerifyFailure,
		},
		Errors: flows.VerifyErrors{
			EngineNotReady:   ErrEngineNotReady,
			IdentityNotFound: ErrIdentityNotFound,
			SetupRequired:    ErrSetupRequired,
			InvalidMethod:    ErrInvalidMethod,
			InvalidCode:      ErrInvalidCode,
			ExpiredCode:      ErrExpiredCode,
			AlreadyUsed:      ErrAlreadyUsed,
			NoRecoveryCodes:  ErrNoRecoveryCodes,
			SMSUnavailable:   ErrSMSUnavailable,
			Unavailable:      ErrUnavailable,
		},
	}
}

func (e *Engine) setupDeps() flows.SetupDeps {
	return flows.SetupDeps{
		Now:               e.now,
		EnrollmentTTL:     e.config.TOTP.EnrollmentTTL,
		RecoveryCodeCount: e.config.RecoveryCodes.Count,
		RecoveryCodeLen:   e.config.RecoveryCodes.Length,
		GetIdentity: func(ctx context.Context, identityID string) (flows.SetupIdentity, error) {
			identity, err := e.getIdentity(ctx, identityID)
			if err != nil {
				return flows.SetupIdentity{}, err
			}
			return flows.SetupIdentity{
				ID:               identity.ID,
				Account:          identity.Email,
				TwoFactorEnabled: identity.TwoFactorEnabled,
			}, nil
		},
		TrackAttempt:   e.trackAttempt,
		CheckLockdown:  e.checkLockdown,
		GenerateSecret: e.totp.GenerateSecret,
		RenderQR:       e.totp.RenderQR,
		VerifyTOTP:     e.totp.VerifyCode,
		SavePending: func(ctx context.Context, identityID, secret string, ttl time.Duration) error {
			if err := e.enrollments.Save(ctx, identityID, secret, ttl); err != nil {
				return e.unavailable("enrollment_save", err, zap.String("identity_id", identityID))
			}
			return nil
		},
		GetPending: func(ctx context.Context, identityID string) (string, error) {
			secret, err := e.enrollments.Get(ctx, identityID)
			if err != nil {
				if errors.Is(err, stores.ErrEnrollmentNotFound) {
					return "", ErrEnrollmentNotFound
				}
				return "", e.unavailable("enrollment_get", err, zap.String("identity_id", identityID))
			}
			return secret, nil
		},
		DeletePending: e.enrollments.Delete,
		EnableTwoFactor: func(ctx context.Context, identityID, secret string, hashes [][32]byte) error {
			if err := e.identities.EnableTwoFactor(ctx, identityID, secret, hashes); err != nil {
				return e.unavailable("enable_two_factor", err, zap.String("identity_id", identityID))
			}
			return nil
		},
		AdvanceTOTPCounter: e.identities.AdvanceTOTPCounter,
		RecordFailure:      e.recordCodeFailure,
		ClearAttempts: func(ctx context.Context, identityID string) error {
			return e.rateLimiter.Clear(ctx, rateKey(ctx, identityID), rate.ActionSetupAttempt)
		},
		MarkVerified: func(ctx context.Context, sessionID, identityID, method string) error {
			return e.MarkVerified(ctx, sessionID, identityID, Method(method))
		},
		MetricInc: e.flowMetricInc,
		EmitAudit: e.emitAudit,
		Metrics: flows.SetupMetrics{
			SetupStarted:   int(MetricSetupStarted),
			SetupCompleted: int(MetricSetupCompleted),
			SetupFailed:    int(MetricSetupFailed),
		},
		Events: flows.SetupEvents{
			SetupStarted:       auditEventSetupStarted,
			TwoFactorEnabled:   auditEventTwoFactorEnabled,
			SetupConfirmFailed: auditEventSetupConfirmFailed,
		},
		Errors: flows.SetupErrors{
			EngineNotReady:     ErrEngineNotReady,
			IdentityNotFound:   ErrIdentityNotFound,
			AlreadyEnabled:     ErrAlreadyEnabled,
			EnrollmentNotFound: ErrEnrollmentNotFound,
			InvalidCode:        ErrInvalidCode,
			Unavailable:        ErrUnavailable,
		},
	}
}

func (e *Engine) recoveryCodeDeps() flows.RecoveryCodeDeps {
	return flows.RecoveryCodeDeps{
		Count:  e.config.RecoveryCodes.Count,
		Length: e.config.RecoveryCodes.Length,
		GetIdentity: func(ctx context.Context, identityID string) (flows.VerifyIdentity, error) {
			identity, err := e.getIdentity(ctx, identityID)
			if err != nil {
				return flows.VerifyIdentity{}, err
			}
			return flows.VerifyIdentity{
				ID:               identity.ID,
				Role:             identity.Role,
				TwoFactorEnabled: identity.TwoFactorEnabled,
			}, nil
		},
		VerifyPassword: e.verifyPassword,
		ReplaceRecoveryCodes: func(ctx context.Context, identityID string, hashes [][32]byte) error {
			if err := e.identities.ReplaceRecoveryCodes(ctx, identityID, hashes); err != nil {
				return e.unavailable("replace_recovery_codes", err, zap.String("identity_id", identityID))
			}
			return nil
		},
		MetricInc: e.flowMetricInc,
		EmitAudit: e.emitAudit,
		Metrics: flows.RecoveryCodeMetrics{
			RecoveryCodesRegenerated: int(MetricRecoveryCodesRegenerated),
		},
		Events: flows.RecoveryCodeEvents{
			RecoveryCodesRegenerated: auditEventRecoveryCodesRegenerated,
		},
		Errors: flows.RecoveryCodeErrors{
			EngineNotReady:   ErrEngineNotReady,
			IdentityNotFound: ErrIdentityNotFound,
			SetupRequired:    ErrSetupRequired,
			InvalidPassword:  ErrInvalidPassword,
			Unavailable:      ErrUnavailable,
		},
	}
}

// verifyPassword re-checks the password of identityID against its stored
// hash.
func (e *Engine) verifyPassword(ctx context.Context, identityID, plaintext string) (bool, error) {
	identity, err := e.getIdentity(ctx, identityID)
	if err != nil {
		return false, err
	}
	if identity.PasswordHash == "" || plaintext == "" {
		return false, nil
	}
	ok, err := e.passwords.Verify(plaintext, identity.PasswordHash)
	if err != nil {
		e.logger.Warn("password hash rejected", zap.String("identity_id", identityID), zap.Error(err))
		return false, nil
	}
	return ok, nil
}
