package twofa

import (
	"time"

	internalmetrics "github.com/MrEthical07/twofa/internal/metrics"
)

// MetricID identifies a specific counter or histogram in the in-process
// metrics system.
type MetricID = internalmetrics.MetricID

const (
	// MetricVerifySuccess counts accepted second-factor codes of any method.
	MetricVerifySuccess = internalmetrics.MetricVerifySuccess
	// MetricVerifyFailure counts rejected codes (invalid, expired, already used or none remaining).
	MetricVerifyFailure = internalmetrics.MetricVerifyFailure
	// MetricVerifyRateLimited counts verification attempts rejected by the rate limiter.
	MetricVerifyRateLimited = internalmetrics.MetricVerifyRateLimited
	// MetricVerifyLockedDown counts verification attempts rejected by a cooldown or lockdown.
	MetricVerifyLockedDown   = internalmetrics.MetricVerifyLockedDown
	MetricRecoveryCodeUsed   = internalmetrics.MetricRecoveryCodeUsed
	MetricRecoveryCodeFailed = internalmetrics.MetricRecoveryCodeFailed
	// MetricRecoveryCodesMissing counts recovery attempts by identities with no codes left.
	MetricRecoveryCodesMissing     = internalmetrics.MetricRecoveryCodesMissing
	MetricRecoveryCodesRegenerated = internalmetrics.MetricRecoveryCodesRegenerated
	MetricSMSSent                  = internalmetrics.MetricSMSSent
	MetricSMSFailed                = internalmetrics.MetricSMSFailed
	MetricSetupStarted             = internalmetrics.MetricSetupStarted
	MetricSetupCompleted           = internalmetrics.MetricSetupCompleted
	MetricSetupFailed              = internalmetrics.MetricSetupFailed
	MetricTwoFactorDisabled        = internalmetrics.MetricTwoFactorDisabled
	MetricGatePass                 = internalmetrics.MetricGatePass
	MetricGateSetupRequired        = internalmetrics.MetricGateSetupRequired
	MetricGateVerificationRequired = internalmetrics.MetricGateVerificationRequired
	MetricGateLockedDown           = internalmetrics.MetricGateLockedDown
	// MetricSessionExpired counts stale verification records found by the gate.
	MetricSessionExpired = internalmetrics.MetricSessionExpired
	// MetricFingerprintMismatch counts verified sessions presented from another device.
	MetricFingerprintMismatch = internalmetrics.MetricFingerprintMismatch
	// MetricRateLimitHit counts every rate limiter denial, whatever the action.
	MetricRateLimitHit       = internalmetrics.MetricRateLimitHit
	MetricCooldownStarted    = internalmetrics.MetricCooldownStarted
	MetricLockdownTriggered  = internalmetrics.MetricLockdownTriggered
	MetricLockdownUnlocked   = internalmetrics.MetricLockdownUnlocked
	MetricForcedLogout       = internalmetrics.MetricForcedLogout
	MetricEmergencyRequested = internalmetrics.MetricEmergencyRequested
	MetricEmergencyResolved  = internalmetrics.MetricEmergencyResolved
	// MetricBackendUnavailable counts operations denied because a store failed.
	MetricBackendUnavailable = internalmetrics.MetricBackendUnavailable
	// MetricVerifyLatency is the histogram of Engine.Verify latency.
	MetricVerifyLatency = internalmetrics.MetricVerifyLatency

	metricIDCount = internalmetrics.MetricIDCount
)

// Metrics holds atomic counters and the optional latency histogram.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a new [Metrics] instance configured by the given
// [MetricsConfig]. When Enabled is false, all operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}

// MetricIDCount returns the number of metric slots, for exporters iterating
// every counter.
func MetricIDCount() int {
	return int(metricIDCount)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) observeLatency(id MetricID, d time.Duration) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(id, d)
}

// MetricsSnapshot returns a copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}
