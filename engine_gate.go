package twofa

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"
)

// Evaluate decides whether the request described by req may proceed.
//
// Requests without an identity and requests for excluded paths always pass.
// Identities under lockdown are logged out everywhere. Identities without a
// second factor pass unless their role requires one. Identities with a second
// factor pass only with a live verification record for this session; a stale
// or mismatched record is deleted.
func (e *Engine) Evaluate(ctx context.Context, req GateRequest) (*GateResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if req.IdentityID == "" || e.pathExcluded(req.Path) {
		e.metricInc(MetricGatePass)
		return &GateResult{Decision: GatePass}, nil
	}

	identity, err := e.getIdentity(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}

	lockdown, err := e.LockdownStatus(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if lockdown != nil {
		if lockdown.Tier == TierLockdown {
			if _, err := e.ForceLogout(ctx, identity.ID, "lockdown"); err != nil {
				return nil, err
			}
		}
		return e.deny(ctx, req, &GateResult{
			Decision: GateLockedDown,
			Reason:   KindLockedDown,
			Lockdown: lockdown,
		}), nil
	}

	if !identity.TwoFactorEnabled {
		if e.config.RoleRequiresTwoFactor(identity.Role) {
			return e.deny(ctx, req, &GateResult{
				Decision: GateSetupRequired,
				Redirect: e.config.Verification.SetupPath,
				Reason:   KindSetupRequired,
			}), nil
		}
		e.metricInc(MetricGatePass)
		return &GateResult{Decision: GatePass}, nil
	}

	state, _, err := e.verificationState(ctx, req.SessionID, identity.ID)
	if err != nil {
		return nil, err
	}

	reason := KindVerificationRequired
	switch state {
	case verificationValid:
		e.metricInc(MetricGatePass)
		return &GateResult{Decision: GatePass}, nil
	case verificationExpired:
		e.metricInc(MetricSessionExpired)
		reason = KindSessionExpired
		if err := e.ClearVerification(ctx, req.SessionID, identity.ID); err != nil {
			return nil, err
		}
	case verificationMismatch:
		if err := e.ClearVerification(ctx, req.SessionID, identity.ID); err != nil {
			return nil, err
		}
	}

	return e.deny(ctx, req, &GateResult{
		Decision: GateVerificationRequired,
		Redirect: e.config.Verification.VerifyPath,
		Reason:   reason,
	}), nil
}

func (e *Engine) deny(ctx context.Context, req GateRequest, res *GateResult) *GateResult {
	switch res.Decision {
	case GateSetupRequired:
		e.metricInc(MetricGateSetupRequired)
	case GateVerificationRequired:
		e.metricInc(MetricGateVerificationRequired)
	case GateLockedDown:
		e.metricInc(MetricGateLockedDown)
	}
	e.logger.Debug("gate denied",
		zap.String("identity_id", req.IdentityID),
		zap.String("path", req.Path),
		zap.Stringer("decision", res.Decision),
	)
	e.emitAudit(ctx, auditEventGateDenied, false, req.IdentityID, req.SessionID, nil, func() map[string]string {
		return map[string]string{
			"path":     req.Path,
			"decision": res.Decision.String(),
			"reason":   string(res.Reason),
		}
	})
	return res
}

// pathExcluded matches p against the excluded path patterns. A pattern ending
// in "/*" also covers everything below its directory.
func (e *Engine) pathExcluded(p string) bool {
	if p == "" {
		return false
	}
	for _, pattern := range e.config.Verification.ExcludedPaths {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		if dir, found := strings.CutSuffix(pattern, "/*"); found {
			if p == dir || strings.HasPrefix(p, dir+"/") {
				return true
			}
		}
	}
	return false
}
