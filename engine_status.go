package twofa

import (
	"context"

	"go.uber.org/zap"
)

// Status reports the second-factor state of identityID and, when sessionID is
// set, whether that session is verified.
func (e *Engine) Status(ctx context.Context, sessionID, identityID string) (*Status, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	identity, err := e.getIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}

	out := &Status{
		Enabled:      identity.TwoFactorEnabled,
		Required:     e.config.RoleRequiresTwoFactor(identity.Role),
		SMSAvailable: e.smsSender != nil && identity.PhoneNumber != "",
	}

	if identity.TwoFactorEnabled {
		n, err := e.identities.RecoveryCodesRemaining(ctx, identity.ID)
		if err != nil {
			return nil, e.unavailable("recovery_codes_remaining", err, zap.String("identity_id", identity.ID))
		}
		out.RecoveryCodesRemaining = n
		out.HasRecoveryCodes = n > 0

		state, record, err := e.verificationState(ctx, sessionID, identity.ID)
		if err != nil {
			return nil, err
		}
		if state == verificationValid {
			out.Verified = true
			out.VerifiedAt = record.VerifiedTime()
			out.Method = Method(record.Method)
		}
	}

	if out.Lockdown, err = e.LockdownStatus(ctx, identity.ID); err != nil {
		return nil, err
	}
	return out, nil
}

// Statistics summarises adoption across all identities along with the
// active lockdowns and pending emergency requests.
func (e *Engine) Statistics(ctx context.Context) (*Statistics, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	counts, err := e.identities.CountIdentities(ctx, e.config.Policy.MandatoryRoles)
	if err != nil {
		return nil, e.unavailable("count_identities", err)
	}
	lockdowns, err := e.ListLockdowns(ctx)
	if err != nil {
		return nil, err
	}
	requests, err := e.ListEmergencyRequests(ctx, e.now().Add(-e.config.Emergency.RequestTTL))
	if err != nil {
		return nil, err
	}

	out := &Statistics{
		TotalIdentities: counts.Total,
		Enabled:         counts.Enabled,
		Required:        counts.Required,
		RequiredEnabled: counts.RequiredEnabled,
		ActiveLockdowns: len(lockdowns),
	}
	for _, r := range requests {
		if r.Status == EmergencyPending {
			out.PendingEmergencies++
		}
	}
	if counts.Total > 0 {
		out.AdoptionRate = percent(counts.Enabled, counts.Total)
	}
	if counts.Required > 0 {
		out.ComplianceRate = percent(counts.RequiredEnabled, counts.Required)
	} else {
		out.ComplianceRate = 100
	}
	return out, nil
}

// percent returns part/total as a percentage rounded to two decimals.
func percent(part, total int) float64 {
	v := float64(part) * 10000 / float64(total)
	return float64(int64(v+0.5)) / 100
}
