package twofa

import (
	"context"

	internalaudit "github.com/MrEthical07/twofa/internal/audit"
	"go.uber.org/zap"
)

const (
	auditEventSetupStarted              = "setup_started"
	auditEventSetupConfirmFailed        = "setup_confirm_failed"
	auditEventTwoFactorEnabled          = "two_factor_enabled"
	auditEventTwoFactorDisabled         = "two_factor_disabled"
	auditEventVerifySuccess             = "verify_success"
	auditEventVerifyFailure             = "verify_failure"
	auditEventSMSSent                   = "sms_sent"
	auditEventRecoveryCodesRegenerated  = "recovery_codes_regenerated"
	auditEventRateLimited               = "rate_limited"
	auditEventCooldownStarted           = "cooldown_started"
	auditEventLockdownTriggered         = "lockdown_triggered"
	auditEventLockdownUnlocked          = "lockdown_unlocked"
	auditEventForcedLogout              = "forced_logout"
	auditEventFingerprintMismatch       = "fingerprint_mismatch"
	auditEventEmergencyRequested        = "emergency_recovery_requested"
	auditEventEmergencyResolved         = "emergency_recovery_resolved"
	auditEventGateDenied                = "gate_denied"
	auditEventCoordinatedAttackDetected = "coordinated_attack_detected"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	identityID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:  e.now().UTC(),
		EventType:  eventType,
		IdentityID: identityID,
		SessionID:  sessionID,
		IP:         clientIPFromContext(ctx),
		Success:    success,
		Metadata:   metadata,
	}
	if kind := KindOf(err); kind != "" {
		event.Reason = string(kind)
		if kind == KindInternal || kind == KindUnavailable {
			event.Error = err.Error()
		}
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, identityID, action string, rl *RateLimitError) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimited, false, identityID, "", rl, func() map[string]string {
		return map[string]string{
			"action":      action,
			"retry_after": rl.RetryAfter.String(),
		}
	})
}

// unavailable logs a backend failure and returns the fail-closed error.
func (e *Engine) unavailable(op string, err error, fields ...zap.Field) error {
	e.metricInc(MetricBackendUnavailable)
	if e != nil && e.logger != nil {
		e.logger.Error("backend unavailable", append(fields, zap.String("op", op), zap.Error(err))...)
	}
	return ErrUnavailable
}

// AuditDropped returns the number of audit events dropped because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink, onDrop func(AuditEvent)) *internalaudit.Dispatcher {
	return internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:     cfg.Enabled,
		BufferSize:  cfg.BufferSize,
		DropIfFull:  cfg.DropIfFull,
		SinkTimeout: cfg.SinkTimeout,
		OnDrop:      onDrop,
	}, sink)
}

// auditDropped logs the first drop and then every 1000th so a stalled
// sink cannot flood the log.
func (e *Engine) auditDropped(event AuditEvent) {
	n := e.AuditDropped()
	if n == 1 || n%1000 == 0 {
		e.logger.Warn("audit event dropped",
			zap.String("event_type", event.EventType),
			zap.Uint64("dropped_total", n))
	}
}
