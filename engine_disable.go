package twofa

import (
	"context"

	"go.uber.org/zap"
)

// DisableTwoFactor removes the second factor of identityID after re-checking
// its password. Identities whose role requires a second factor are refused
// with ErrDisableForbidden. Every verification record of the identity is
// deleted along with any pending enrollment or SMS code.
func (e *Engine) DisableTwoFactor(ctx context.Context, identityID, password string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	identity, err := e.getIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if !identity.TwoFactorEnabled {
		return ErrSetupRequired
	}
	if e.config.RoleRequiresTwoFactor(identity.Role) {
		return ErrDisableForbidden
	}
	if err := e.trackAttempt(ctx, identity.ID, ActionGeneral); err != nil {
		return err
	}

	ok, err := e.verifyPassword(ctx, identity.ID, password)
	if err != nil {
		return err
	}
	if !ok {
		e.emitAudit(ctx, auditEventTwoFactorDisabled, false, identity.ID, "", ErrInvalidPassword, nil)
		return ErrInvalidPassword
	}

	return e.disableTwoFactor(ctx, identity.ID, "user")
}

// disableTwoFactor clears the second factor without a password check. It is
// shared with approved emergency recovery.
func (e *Engine) disableTwoFactor(ctx context.Context, identityID, by string) error {
	if err := e.identities.DisableTwoFactor(ctx, identityID); err != nil {
		return e.unavailable("disable_two_factor", err, zap.String("identity_id", identityID))
	}
	if _, err := e.sessionStore.DeleteAllForIdentity(ctx, identityID); err != nil {
		return e.unavailable("session_delete_all", err, zap.String("identity_id", identityID))
	}
	if err := e.enrollments.Delete(ctx, identityID); err != nil {
		e.logger.Warn("pending enrollment not deleted", zap.String("identity_id", identityID), zap.Error(err))
	}
	if err := e.smsCodes.Delete(ctx, identityID); err != nil {
		e.logger.Warn("pending sms code not deleted", zap.String("identity_id", identityID), zap.Error(err))
	}

	e.metricInc(MetricTwoFactorDisabled)
	e.emitAudit(ctx, auditEventTwoFactorDisabled, true, identityID, "", nil, func() map[string]string {
		return map[string]string{"by": by}
	})
	return nil
}
