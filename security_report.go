package twofa

import (
	"github.com/MrEthical07/twofa/internal/security"
	"github.com/MrEthical07/twofa/password"
)

type SecurityReport = security.Report
type RateLimitReport = security.RateLimitReport
type PasswordConfigReport = security.PasswordReport

// SecurityReport describes the effective configuration and lists settings
// weaker than the defaults.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	limits := make(map[string]security.RateLimitReport, len(e.config.RateLimits))
	for action, rl := range e.config.RateLimits {
		limits[action] = security.RateLimitReport{MaxAttempts: rl.MaxAttempts, Window: rl.Window}
	}

	var argon *security.PasswordReport
	if a, ok := e.passwords.(*password.Argon2); ok {
		cfg := a.Config()
		argon = &security.PasswordReport{
			Memory:      cfg.Memory,
			Time:        cfg.Time,
			Parallelism: cfg.Parallelism,
			SaltLength:  cfg.SaltLength,
			KeyLength:   cfg.KeyLength,
		}
	}

	return security.BuildReport(security.ReportInput{
		VerificationTimeout: e.config.Verification.Timeout,
		EnforceFingerprint:  e.config.Verification.EnforceFingerprint,
		MandatoryRoles:      e.config.Policy.MandatoryRoles,
		TOTPPeriod:          e.config.TOTP.Period,
		TOTPDigits:          e.config.TOTP.Digits,
		TOTPSkew:            e.config.TOTP.Skew,
		RecoveryCodeCount:   e.config.RecoveryCodes.Count,
		RecoveryCodeLength:  e.config.RecoveryCodes.Length,
		SMSEnabled:          e.smsSender != nil,
		SMSCodeTTL:          e.config.SMS.CodeTTL,
		RateLimits:          limits,
		LockdownThreshold:   e.config.Lockdown.FailureThreshold,
		ScoreWindow:         e.config.Lockdown.ScoreWindow,
		AdminNotifications:  e.notifier != nil,
		AuditEnabled:        e.audit != nil,
		MetricsEnabled:      e.metrics.Enabled(),
		Password:            argon,
	})
}
