package internaldefs

import (
	"github.com/MrEthical07/twofa"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   twofa.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   twofa.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: twofa.MetricVerifySuccess, Name: "twofa_verify_success_total", Help: "Accepted second-factor codes."},
	{ID: twofa.MetricVerifyFailure, Name: "twofa_verify_failure_total", Help: "Rejected second-factor codes."},
	{ID: twofa.MetricVerifyRateLimited, Name: "twofa_verify_rate_limited_total", Help: "Verification attempts rejected by the rate limiter."},
	{ID: twofa.MetricVerifyLockedDown, Name: "twofa_verify_locked_down_total", Help: "Verification attempts rejected by a cooldown or lockdown."},
	{ID: twofa.MetricRecoveryCodeUsed, Name: "twofa_recovery_code_used_total", Help: "Recovery codes consumed."},
	{ID: twofa.MetricRecoveryCodeFailed, Name: "twofa_recovery_code_failed_total", Help: "Rejected recovery codes."},
	{ID: twofa.MetricRecoveryCodesMissing, Name: "twofa_recovery_codes_missing_total", Help: "Recovery attempts by identities with no codes left."},
	{ID: twofa.MetricRecoveryCodesRegenerated, Name: "twofa_recovery_codes_regenerated_total", Help: "Recovery code set regenerations."},
	{ID: twofa.MetricSMSSent, Name: "twofa_sms_sent_total", Help: "SMS codes handed to the sender."},
	{ID: twofa.MetricSMSFailed, Name: "twofa_sms_failed_total", Help: "SMS codes the sender could not deliver."},
	{ID: twofa.MetricSetupStarted, Name: "twofa_setup_started_total", Help: "Enrollments started."},
	{ID: twofa.MetricSetupCompleted, Name: "twofa_setup_completed_total", Help: "Enrollments confirmed."},
	{ID: twofa.MetricSetupFailed, Name: "twofa_setup_failed_total", Help: "Enrollment confirmations with a wrong code."},
	{ID: twofa.MetricTwoFactorDisabled, Name: "twofa_disabled_total", Help: "Two-factor deactivations."},
	{ID: twofa.MetricGatePass, Name: "twofa_gate_pass_total", Help: "Requests allowed by the gate."},
	{ID: twofa.MetricGateSetupRequired, Name: "twofa_gate_setup_required_total", Help: "Requests redirected to enrollment."},
	{ID: twofa.MetricGateVerificationRequired, Name: "twofa_gate_verification_required_total", Help: "Requests redirected to verification."},
	{ID: twofa.MetricGateLockedDown, Name: "twofa_gate_locked_down_total", Help: "Requests rejected for a locked identity."},
	{ID: twofa.MetricSessionExpired, Name: "twofa_session_expired_total", Help: "Verification records found past their timeout."},
	{ID: twofa.MetricFingerprintMismatch, Name: "twofa_fingerprint_mismatch_total", Help: "Verified sessions presented from another device."},
	{ID: twofa.MetricRateLimitHit, Name: "twofa_rate_limit_hit_total", Help: "Rate limiter denials for any action."},
	{ID: twofa.MetricCooldownStarted, Name: "twofa_cooldown_started_total", Help: "Cooldowns started by repeated failures."},
	{ID: twofa.MetricLockdownTriggered, Name: "twofa_lockdown_triggered_total", Help: "Administrative lockdowns triggered."},
	{ID: twofa.MetricLockdownUnlocked, Name: "twofa_lockdown_unlocked_total", Help: "Lockdowns cleared by an administrator."},
	{ID: twofa.MetricForcedLogout, Name: "twofa_forced_logout_total", Help: "Identities whose sessions were revoked."},
	{ID: twofa.MetricEmergencyRequested, Name: "twofa_emergency_requested_total", Help: "Emergency recovery requests filed."},
	{ID: twofa.MetricEmergencyResolved, Name: "twofa_emergency_resolved_total", Help: "Emergency recovery requests resolved."},
	{ID: twofa.MetricBackendUnavailable, Name: "twofa_backend_unavailable_total", Help: "Operations denied because a store failed."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: twofa.MetricVerifyLatency, Name: "twofa_verify_latency_seconds", Help: "Verify latency histogram."},
}

// HistogramUpperBounds are the finite bucket bounds in seconds. The last
// engine bucket is +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket in metric names, +Inf included.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// AuditDroppedName is the counter of audit events lost to backpressure.
const AuditDroppedName = "twofa_audit_dropped_total"

// NormalizeBuckets copies raw into a fixed 8 bucket array, zero filling.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
