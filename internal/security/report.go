package security

import (
	"fmt"
	"sort"
	"time"
)

type PasswordReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type RateLimitReport struct {
	Action      string
	MaxAttempts int
	Window      time.Duration
}

type Report struct {
	VerificationTimeout time.Duration
	FingerprintEnforced bool
	MandatoryRoles      []string
	TOTPPeriod          uint
	TOTPDigits          int
	TOTPSkew            uint
	RecoveryCodeCount   int
	RecoveryCodeLength  int
	SMSEnabled          bool
	SMSCodeTTL          time.Duration
	RateLimits          []RateLimitReport
	LockdownThreshold   int
	ScoreWindow         time.Duration
	AdminNotifications  bool
	AuditEnabled        bool
	MetricsEnabled      bool
	Argon2              *PasswordReport
	Warnings            []string
}

type ReportInput struct {
	VerificationTimeout time.Duration
	EnforceFingerprint  bool
	MandatoryRoles      []string
	TOTPPeriod          uint
	TOTPDigits          int
	TOTPSkew            uint
	RecoveryCodeCount   int
	RecoveryCodeLength  int
	SMSEnabled          bool
	SMSCodeTTL          time.Duration
	RateLimits          map[string]RateLimitReport
	LockdownThreshold   int
	ScoreWindow         time.Duration
	AdminNotifications  bool
	AuditEnabled        bool
	MetricsEnabled      bool
	Password            *PasswordReport
}

// BuildReport summarises input and flags settings weaker than the shipped
// defaults.
func BuildReport(input ReportInput) Report {
	limits := make([]RateLimitReport, 0, len(input.RateLimits))
	for action, rl := range input.RateLimits {
		rl.Action = action
		limits = append(limits, rl)
	}
	sort.Slice(limits, func(i, j int) bool { return limits[i].Action < limits[j].Action })

	r := Report{
		VerificationTimeout: input.VerificationTimeout,
		FingerprintEnforced: input.EnforceFingerprint,
		MandatoryRoles:      append([]string(nil), input.MandatoryRoles...),
		TOTPPeriod:          input.TOTPPeriod,
		TOTPDigits:          input.TOTPDigits,
		TOTPSkew:            input.TOTPSkew,
		RecoveryCodeCount:   input.RecoveryCodeCount,
		RecoveryCodeLength:  input.RecoveryCodeLength,
		SMSEnabled:          input.SMSEnabled,
		SMSCodeTTL:          input.SMSCodeTTL,
		RateLimits:          limits,
		LockdownThreshold:   input.LockdownThreshold,
		ScoreWindow:         input.ScoreWindow,
		AdminNotifications:  input.AdminNotifications,
		AuditEnabled:        input.AuditEnabled,
		MetricsEnabled:      input.MetricsEnabled,
		Argon2:              input.Password,
	}

	if input.VerificationTimeout > 8*time.Hour {
		r.Warnings = append(r.Warnings, fmt.Sprintf("verification timeout %s exceeds 8h", input.VerificationTimeout))
	}
	if !input.EnforceFingerprint {
		r.Warnings = append(r.Warnings, "device fingerprint binding is off")
	}
	if len(input.MandatoryRoles) == 0 {
		r.Warnings = append(r.Warnings, "no role requires a second factor")
	}
	if input.TOTPSkew > 1 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("totp skew of %d steps widens the replay window", input.TOTPSkew))
	}
	if input.TOTPDigits < 6 {
		r.Warnings = append(r.Warnings, "totp codes shorter than 6 digits")
	}
	if input.RecoveryCodeLength < 8 {
		r.Warnings = append(r.Warnings, "recovery codes shorter than 8 characters")
	}
	if v, ok := input.RateLimits["verification"]; ok && v.MaxAttempts > 10 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("verification allows %d attempts per window", v.MaxAttempts))
	}
	if input.LockdownThreshold > 10 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("lockdown threshold %d is high", input.LockdownThreshold))
	}
	if !input.AdminNotifications {
		r.Warnings = append(r.Warnings, "administrators are not notified of lockdowns")
	}
	if !input.AuditEnabled {
		r.Warnings = append(r.Warnings, "audit events are disabled")
	}
	return r
}
