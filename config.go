package twofa

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Config holds every tunable of the Engine. Obtain one with [DefaultConfig]
// and adjust it before passing it to [Builder.WithConfig].
type Config struct {
	Verification  VerificationConfig
	RateLimits    map[string]RateLimitConfig
	Lockdown      LockdownConfig
	TOTP          TOTPConfig
	RecoveryCodes RecoveryCodeConfig
	SMS           SMSConfig
	Policy        PolicyConfig
	Emergency     EmergencyConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

/*
====================================
VERIFICATION CONFIG
====================================
*/

// VerificationConfig controls session verification state and the gate.
type VerificationConfig struct {
	// Timeout is how long a verified session stays verified.
	Timeout time.Duration
	// EnforceFingerprint requires the device fingerprint presented with a
	// request to match the one recorded at verification.
	EnforceFingerprint bool
	// ExcludedPaths are path.Match patterns the gate never blocks.
	ExcludedPaths []string
	SetupPath     string
	VerifyPath    string
	// RevocationTTL is how long force-logout markers are kept. It must cover
	// the lifetime of the access tokens issued upstream.
	RevocationTTL time.Duration
}

// RateLimitConfig is the fixed-window budget of one action.
type RateLimitConfig struct {
	MaxAttempts int
	Window      time.Duration
}

/*
====================================
LOCKDOWN CONFIG
====================================
*/

// EscalationPolicy is the cooldown and scoring policy of one failure kind.
type EscalationPolicy struct {
	MaxAttempts  int
	CooldownBase time.Duration
	Weight       int
}

// LockdownConfig controls cooldowns, the weighted lockdown score and
// coordinated attack detection.
type LockdownConfig struct {
	FailureThreshold int
	ScoreWindow      time.Duration
	Policies         map[string]EscalationPolicy

	GlobalFailureCapacity int
	GlobalFailureWindow   time.Duration
	AttackMinIdentities   int
	AttackMinAttempts     int
}

/*
====================================
FACTOR CONFIG
====================================
*/

type TOTPConfig struct {
	Issuer        string
	Period        uint
	Digits        int
	Skew          uint
	EnrollmentTTL time.Duration
	QRSize        int
}

type RecoveryCodeConfig struct {
	Count  int
	Length int
	// LowWatermark flags results once this many codes or fewer remain.
	LowWatermark int
}

type SMSConfig struct {
	CodeDigits int
	CodeTTL    time.Duration
	// MaxAttempts mismatches discard the pending code.
	MaxAttempts int
	// MessageTemplate receives the code and its lifetime in minutes.
	MessageTemplate string
}

// PolicyConfig lists roles for which the second factor is mandatory.
type PolicyConfig struct {
	MandatoryRoles []string
}

type EmergencyConfig struct {
	RequestTTL time.Duration
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool

	// SinkTimeout bounds each delivery to the sink. Zero disables it.
	SinkTimeout time.Duration
}

// MetricsConfig controls in-process metrics.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// Rate limiter actions.
const (
	ActionVerification      = "verification"
	ActionRecoveryCode      = "recovery_code"
	ActionSMSRequest        = "sms_request"
	ActionEmergencyRecovery = "emergency_recovery"
	ActionSetupAttempt      = "setup_attempt"
	ActionGeneral           = "general"
)

// Escalation policies charged by RecordFailure.
const (
	PolicyVerification      = "verification"
	PolicyRecoveryCode      = "recovery_code"
	PolicySMS               = "sms"
	PolicyEmergencyRecovery = "emergency_recovery"
	PolicySetup             = "setup"
	PolicySession           = "session"
)

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Verification: VerificationConfig{
			Timeout:            120 * time.Minute,
			EnforceFingerprint: true,
			ExcludedPaths: []string{
				"/2fa/*",
				"/login",
				"/logout",
				"/health*",
				"/metrics",
				"/static/*",
				"/favicon.ico",
			},
			SetupPath:     "/2fa/setup",
			VerifyPath:    "/2fa/verify",
			RevocationTTL: 24 * time.Hour,
		},
		RateLimits: map[string]RateLimitConfig{
			ActionVerification:      {MaxAttempts: 5, Window: 15 * time.Minute},
			ActionRecoveryCode:      {MaxAttempts: 3, Window: time.Hour},
			ActionSMSRequest:        {MaxAttempts: 3, Window: time.Hour},
			ActionEmergencyRecovery: {MaxAttempts: 2, Window: 24 * time.Hour},
			ActionSetupAttempt:      {MaxAttempts: 10, Window: time.Hour},
			ActionGeneral:           {MaxAttempts: 60, Window: time.Hour},
		},
		Lockdown: LockdownConfig{
			FailureThreshold: 5,
			ScoreWindow:      24 * time.Hour,
			Policies: map[string]EscalationPolicy{
				PolicyVerification:      {MaxAttempts: 5, CooldownBase: 15 * time.Minute, Weight: 1},
				PolicyRecoveryCode:      {MaxAttempts: 3, CooldownBase: time.Hour, Weight: 2},
				PolicySMS:               {MaxAttempts: 3, CooldownBase: time.Hour, Weight: 1},
				PolicyEmergencyRecovery: {MaxAttempts: 2, CooldownBase: 24 * time.Hour, Weight: 3},
				PolicySetup:             {MaxAttempts: 10, CooldownBase: 15 * time.Minute, Weight: 1},
				PolicySession:           {MaxAttempts: 0, CooldownBase: 15 * time.Minute, Weight: 0},
			},
			GlobalFailureCapacity: 1000,
			GlobalFailureWindow:   time.Hour,
			AttackMinIdentities:   3,
			AttackMinAttempts:     10,
		},
		TOTP: TOTPConfig{
			Issuer:        "twofa",
			Period:        30,
			Digits:        6,
			Skew:          1,
			EnrollmentTTL: 10 * time.Minute,
			QRSize:        256,
		},
		RecoveryCodes: RecoveryCodeConfig{
			Count:        8,
			Length:       8,
			LowWatermark: 2,
		},
		SMS: SMSConfig{
			CodeDigits:      6,
			CodeTTL:         5 * time.Minute,
			MaxAttempts:     5,
			MessageTemplate: "Your verification code is %s. It expires in %d minutes.",
		},
		Policy: PolicyConfig{
			MandatoryRoles: []string{"admin", "manager"},
		},
		Emergency: EmergencyConfig{
			RequestTTL: 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:     true,
			BufferSize:  1024,
			DropIfFull:  true,
			SinkTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Verification.ExcludedPaths = append([]string(nil), cfg.Verification.ExcludedPaths...)
	out.Policy.MandatoryRoles = append([]string(nil), cfg.Policy.MandatoryRoles...)
	out.RateLimits = make(map[string]RateLimitConfig, len(cfg.RateLimits))
	for k, v := range cfg.RateLimits {
		out.RateLimits[k] = v
	}
	out.Lockdown.Policies = make(map[string]EscalationPolicy, len(cfg.Lockdown.Policies))
	for k, v := range cfg.Lockdown.Policies {
		out.Lockdown.Policies[k] = v
	}
	return out
}

/*
====================================
VALIDATION
====================================
*/

var requiredRateLimitActions = []string{
	ActionVerification,
	ActionRecoveryCode,
	ActionSMSRequest,
	ActionEmergencyRecovery,
	ActionSetupAttempt,
	ActionGeneral,
}

var requiredPolicies = []string{
	PolicyVerification,
	PolicyRecoveryCode,
	PolicySMS,
	PolicyEmergencyRecovery,
	PolicySetup,
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Verification.Timeout <= 0 {
		return errors.New("Verification Timeout must be > 0")
	}
	if c.Verification.RevocationTTL <= 0 {
		return errors.New("Verification RevocationTTL must be > 0")
	}
	if c.Verification.SetupPath == "" || c.Verification.VerifyPath == "" {
		return errors.New("Verification SetupPath and VerifyPath must be set")
	}
	for _, p := range c.Verification.ExcludedPaths {
		if _, err := path.Match(p, "/"); err != nil {
			return fmt.Errorf("Verification ExcludedPaths pattern %q is invalid: %v", p, err)
		}
	}

	for _, action := range requiredRateLimitActions {
		rl, ok := c.RateLimits[action]
		if !ok {
			return fmt.Errorf("RateLimits missing action %q", action)
		}
		if rl.MaxAttempts <= 0 || rl.Window <= 0 {
			return fmt.Errorf("RateLimits %q requires MaxAttempts > 0 and Window > 0", action)
		}
	}

	if c.Lockdown.FailureThreshold <= 0 {
		return errors.New("Lockdown FailureThreshold must be > 0")
	}
	if c.Lockdown.ScoreWindow <= 0 {
		return errors.New("Lockdown ScoreWindow must be > 0")
	}
	for _, name := range requiredPolicies {
		p, ok := c.Lockdown.Policies[name]
		if !ok {
			return fmt.Errorf("Lockdown Policies missing %q", name)
		}
		if p.MaxAttempts < 0 || p.Weight < 0 || p.CooldownBase <= 0 {
			return fmt.Errorf("Lockdown policy %q requires CooldownBase > 0 and non-negative counts", name)
		}
	}

	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("TOTP Issuer must be set")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period == 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew > 3 {
		return errors.New("TOTP Skew must be <= 3")
	}
	if c.TOTP.EnrollmentTTL <= 0 {
		return errors.New("TOTP EnrollmentTTL must be > 0")
	}

	if c.RecoveryCodes.Count <= 0 {
		return errors.New("RecoveryCodes Count must be > 0")
	}
	if c.RecoveryCodes.Length < 6 {
		return errors.New("RecoveryCodes Length must be >= 6")
	}

	if c.SMS.CodeDigits < 6 || c.SMS.CodeDigits > 10 {
		return errors.New("SMS CodeDigits must be between 6 and 10")
	}
	if c.SMS.CodeTTL <= 0 {
		return errors.New("SMS CodeTTL must be > 0")
	}

	if c.Emergency.RequestTTL <= 0 {
		return errors.New("Emergency RequestTTL must be > 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	return nil
}

// RoleRequiresTwoFactor reports whether role is listed in the mandatory
// roles.
func (c *Config) RoleRequiresTwoFactor(role string) bool {
	for _, r := range c.Policy.MandatoryRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Settings is the externally configurable subset of [Config], in the shape
// operators write it.
type Settings struct {
	VerificationTimeoutMinutes int                         `json:"verification_timeout_minutes" koanf:"verification_timeout_minutes"`
	RateLimitThresholds        map[string]RateLimitSetting `json:"rate_limit_thresholds" koanf:"rate_limit_thresholds"`
	LockdownFailureThreshold   int                         `json:"lockdown_failure_threshold" koanf:"lockdown_failure_threshold"`
}

// RateLimitSetting is the operator form of [RateLimitConfig].
type RateLimitSetting struct {
	MaxAttempts   int `json:"max_attempts" koanf:"max_attempts"`
	WindowSeconds int `json:"window_seconds" koanf:"window_seconds"`
}

// Apply overlays the non-zero settings onto cfg. A threshold entry replaces
// only the fields it sets.
func (s Settings) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if s.VerificationTimeoutMinutes > 0 {
		cfg.Verification.Timeout = time.Duration(s.VerificationTimeoutMinutes) * time.Minute
	}
	if s.LockdownFailureThreshold > 0 {
		cfg.Lockdown.FailureThreshold = s.LockdownFailureThreshold
	}
	if len(s.RateLimitThresholds) > 0 && cfg.RateLimits == nil {
		cfg.RateLimits = make(map[string]RateLimitConfig, len(s.RateLimitThresholds))
	}
	for action, t := range s.RateLimitThresholds {
		rl := cfg.RateLimits[action]
		if t.MaxAttempts > 0 {
			rl.MaxAttempts = t.MaxAttempts
		}
		if t.WindowSeconds > 0 {
			rl.Window = time.Duration(t.WindowSeconds) * time.Second
		}
		cfg.RateLimits[action] = rl
	}
}
