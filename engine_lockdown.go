package twofa

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrEthical07/twofa/internal/limiters"
	"go.uber.org/zap"
)

// RecordFailure charges one failure of policy (for example PolicyVerification)
// to identityID and applies the resulting cooldown or lockdown. When this
// failure triggers a lockdown every session of the identity is logged out and
// administrators are notified.
func (e *Engine) RecordFailure(ctx context.Context, identityID, policy string) (*Escalation, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if identityID == "" {
		return nil, ErrIdentityNotFound
	}

	now := e.now()
	ip := clientIPFromContext(ctx)
	esc, err := e.lockout.RecordFailure(ctx, identityID, policy, ip, now)
	if err != nil {
		if errors.Is(err, limiters.ErrLockoutUnavailable) {
			return nil, e.unavailable("record_failure", err, zap.String("identity_id", identityID))
		}
		return nil, err
	}

	out := &Escalation{
		Failures:          esc.Failures,
		Score:             esc.Score,
		Cooldown:          esc.Cooldown,
		LockdownTriggered: esc.LockdownTriggered,
		LockedDown:        esc.LockedDown,
		AdminIntervention: esc.AdminIntervention,
	}

	if out.Cooldown > 0 {
		e.metricInc(MetricCooldownStarted)
		e.emitAudit(ctx, auditEventCooldownStarted, false, identityID, "", nil, func() map[string]string {
			return map[string]string{
				"policy":   policy,
				"failures": strconv.Itoa(out.Failures),
				"cooldown": out.Cooldown.String(),
			}
		})
	}

	if out.LockdownTriggered {
		e.metricInc(MetricLockdownTriggered)
		e.logger.Warn("identity locked down",
			zap.String("identity_id", identityID),
			zap.String("policy", policy),
			zap.String("ip", ip),
			zap.Int("score", out.Score),
		)
		e.emitAudit(ctx, auditEventLockdownTriggered, false, identityID, "", nil, func() map[string]string {
			return map[string]string{
				"policy": policy,
				"score":  strconv.Itoa(out.Score),
			}
		})
		if _, err := e.ForceLogout(ctx, identityID, "lockdown"); err != nil {
			return out, err
		}
		e.notifyAdmins(ctx, AdminAlert{
			Kind:       AlertLockdown,
			IdentityID: identityID,
			Subject:    "Account locked after repeated second-factor failures",
			Message:    "The account was locked and all of its sessions were terminated. An administrator must unlock it.",
			Fields: map[string]string{
				"policy": policy,
				"score":  strconv.Itoa(out.Score),
				"ip":     ip,
			},
			At: now,
		})
	} else if out.AdminIntervention {
		e.logger.Warn("locked identity keeps failing",
			zap.String("identity_id", identityID),
			zap.Int("score", out.Score),
		)
	}

	return out, nil
}

// recordCodeFailure is the failure hook of the verification flows. It also
// feeds the cross-identity failure ring.
func (e *Engine) recordCodeFailure(ctx context.Context, identityID, policy string, _ error) error {
	if err := e.failures.Record(ctx, clientIPFromContext(ctx), identityID, e.now()); err != nil {
		e.logger.Warn("global failure ring unavailable", zap.Error(err))
	}
	_, err := e.RecordFailure(ctx, identityID, policy)
	return err
}

// LockdownStatus returns the current restriction of identityID, or nil when
// it is unrestricted.
func (e *Engine) LockdownStatus(ctx context.Context, identityID string) (*Lockdown, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if identityID == "" {
		return nil, nil
	}
	st, err := e.lockout.Status(ctx, identityID)
	if err != nil {
		return nil, e.unavailable("lockdown_status", err, zap.String("identity_id", identityID))
	}
	return lockdownFromStatus(identityID, st, e.now()), nil
}

// IsLockedDown reports whether identityID is in a cooldown or lockdown.
func (e *Engine) IsLockedDown(ctx context.Context, identityID string) (bool, error) {
	l, err := e.LockdownStatus(ctx, identityID)
	if err != nil {
		return false, err
	}
	return l != nil, nil
}

func (e *Engine) checkLockdown(ctx context.Context, identityID string) error {
	l, err := e.LockdownStatus(ctx, identityID)
	if err != nil {
		return err
	}
	if l != nil {
		return &LockdownError{Lockdown: l}
	}
	return nil
}

// Unlock clears the lockdown, cooldown and failure counters of identityID.
// It returns ErrLockdownNotFound when the identity was not locked down; any
// cooldown is cleared regardless.
func (e *Engine) Unlock(ctx context.Context, identityID, adminID string) (*Lockdown, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if identityID == "" {
		return nil, ErrIdentityNotFound
	}

	record, err := e.lockout.Unlock(ctx, identityID)
	if err != nil {
		if errors.Is(err, limiters.ErrLockdownNotFound) {
			return nil, ErrLockdownNotFound
		}
		return nil, e.unavailable("unlock", err, zap.String("identity_id", identityID))
	}

	e.metricInc(MetricLockdownUnlocked)
	e.logger.Info("identity unlocked", zap.String("identity_id", identityID), zap.String("admin_id", adminID))
	e.emitAudit(ctx, auditEventLockdownUnlocked, true, identityID, "", nil, func() map[string]string {
		return map[string]string{"admin_id": adminID}
	})
	return lockdownFromRecord(*record), nil
}

// ListLockdowns returns every active administrative lockdown.
func (e *Engine) ListLockdowns(ctx context.Context) ([]Lockdown, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	records, err := e.lockout.List(ctx)
	if err != nil {
		return nil, e.unavailable("list_lockdowns", err)
	}
	out := make([]Lockdown, 0, len(records))
	for _, r := range records {
		out = append(out, *lockdownFromRecord(r))
	}
	return out, nil
}

// DetectCoordinatedAttacks scans recent failures for addresses failing
// against several identities. Each threat is logged and reported to
// administrators.
func (e *Engine) DetectCoordinatedAttacks(ctx context.Context) ([]Threat, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	now := e.now()
	found, err := e.failures.Detect(ctx, now)
	if err != nil {
		return nil, e.unavailable("detect_attacks", err)
	}

	threats := make([]Threat, 0, len(found))
	for _, t := range found {
		threat := Threat{
			IP:         t.IP,
			Identities: t.Identities,
			Attempts:   t.Attempts,
			FirstSeen:  t.FirstSeen,
			LastSeen:   t.LastSeen,
		}
		threats = append(threats, threat)

		e.logger.Warn("coordinated attack detected",
			zap.String("ip", threat.IP),
			zap.Int("identities", threat.Identities),
			zap.Int("attempts", threat.Attempts),
		)
		e.emitAudit(ctx, auditEventCoordinatedAttackDetected, false, "", "", nil, func() map[string]string {
			return map[string]string{
				"source_ip":  threat.IP,
				"identities": strconv.Itoa(threat.Identities),
				"attempts":   strconv.Itoa(threat.Attempts),
			}
		})
		e.notifyAdmins(ctx, AdminAlert{
			Kind:    AlertCoordinatedAttack,
			Subject: "Coordinated second-factor attack detected",
			Message: "One address failed verification against several accounts.",
			Fields: map[string]string{
				"ip":         threat.IP,
				"identities": strconv.Itoa(threat.Identities),
				"attempts":   strconv.Itoa(threat.Attempts),
			},
			At: now,
		})
	}
	return threats, nil
}

func (e *Engine) notifyAdmins(ctx context.Context, alert AdminAlert) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyAdmins(ctx, alert); err != nil {
		e.logger.Error("admin notification failed",
			zap.String("kind", alert.Kind),
			zap.String("identity_id", alert.IdentityID),
			zap.Error(err),
		)
	}
}

func lockdownFromRecord(r limiters.LockdownRecord) *Lockdown {
	return &Lockdown{
		IdentityID:          r.IdentityID,
		Tier:                TierLockdown,
		Action:              r.Action,
		TriggeredAt:         time.Unix(r.TriggeredAt, 0).UTC(),
		Score:               r.Score,
		RequiresAdminUnlock: true,
		AdminIntervention:   r.AdminIntervention,
		IP:                  r.IP,
	}
}

func lockdownFromStatus(identityID string, st limiters.Status, now time.Time) *Lockdown {
	if st.Lockdown != nil {
		return lockdownFromRecord(*st.Lockdown)
	}
	if st.CooldownRemaining > 0 {
		return &Lockdown{
			IdentityID: identityID,
			Tier:       TierCooldown,
			Action:     st.CooldownAction,
			Until:      now.Add(st.CooldownRemaining),
		}
	}
	return nil
}
