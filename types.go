package twofa

import (
	"context"
	"time"
)

// Identity is the second-factor view of an account, as returned by the
// [IdentityProvider].
type Identity struct {
	ID           string
	Email        string
	DisplayName  string
	Role         string
	PasswordHash string
	PhoneNumber  string

	TwoFactorEnabled bool
	// TOTPSecret is the base32 shared secret. Empty until setup completes.
	TOTPSecret string
	// TOTPLastCounter is the last accepted TOTP time step. A code is only
	// accepted for a strictly greater step.
	TOTPLastCounter int64
}

// RecoveryCodeState is the outcome of an atomic recovery-code consume.
type RecoveryCodeState string

const (
	RecoveryCodeConsumed    RecoveryCodeState = "consumed"
	RecoveryCodeAlreadyUsed RecoveryCodeState = "already_used"
	RecoveryCodeUnknown     RecoveryCodeState = "unknown"
	// RecoveryCodeNoneIssued is returned when the identity holds no codes,
	// used or unused.
	RecoveryCodeNoneIssued RecoveryCodeState = "none_issued"
)

// IdentityCounts summarises the identity population for statistics.
type IdentityCounts struct {
	Total           int
	Enabled         int
	Required        int
	RequiredEnabled int
}

// IdentityProvider is implemented by the application that owns accounts. The
// engine never stores identity data itself.
//
// Implementations must make AdvanceTOTPCounter and ConsumeRecoveryCode atomic:
// under concurrent calls for the same identity exactly one caller may win a
// given counter or code. Methods return [ErrIdentityNotFound] for unknown IDs.
type IdentityProvider interface {
	GetIdentity(ctx context.Context, identityID string) (Identity, error)
	EnableTwoFactor(ctx context.Context, identityID, secret string, recoveryCodeHashes [][32]byte) error
	DisableTwoFactor(ctx context.Context, identityID string) error
	// AdvanceTOTPCounter stores counter when it is strictly greater than the
	// stored one and reports whether it did.
	AdvanceTOTPCounter(ctx context.Context, identityID string, counter int64) (bool, error)
	ConsumeRecoveryCode(ctx context.Context, identityID string, codeHash [32]byte) (RecoveryCodeState, error)
	RecoveryCodesRemaining(ctx context.Context, identityID string) (int, error)
	ReplaceRecoveryCodes(ctx context.Context, identityID string, codeHashes [][32]byte) error
	CountIdentities(ctx context.Context, mandatoryRoles []string) (IdentityCounts, error)
}

// SMSSender delivers SMS verification codes.
type SMSSender interface {
	SendSMS(ctx context.Context, phoneNumber, message string) error
}

// AdminAlert is a security notification for administrators.
type AdminAlert struct {
	Kind       string            `json:"kind"`
	IdentityID string            `json:"identity_id,omitempty"`
	Subject    string            `json:"subject"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
	At         time.Time         `json:"at"`
}

// Admin alert kinds.
const (
	AlertLockdown          = "lockdown"
	AlertEmergencyRecovery = "emergency_recovery"
	AlertCoordinatedAttack = "coordinated_attack"
)

// AdminNotifier forwards [AdminAlert] values to administrators.
type AdminNotifier interface {
	NotifyAdmins(ctx context.Context, alert AdminAlert) error
}

// Method is a second-factor verification method.
type Method string

const (
	MethodTOTP         Method = "totp"
	MethodRecoveryCode Method = "recovery_code"
	MethodSMS          Method = "sms"
)

// ParseMethod accepts the method names used by clients, including the
// "recovery" and "backup" aliases.
func ParseMethod(s string) (Method, bool) {
	switch s {
	case "", "totp", "app":
		return MethodTOTP, true
	case "recovery_code", "recovery", "backup":
		return MethodRecoveryCode, true
	case "sms":
		return MethodSMS, true
	}
	return "", false
}

// VerifyRequest is one second-factor submission.
type VerifyRequest struct {
	SessionID  string
	IdentityID string
	Method     Method
	Code       string
}

// VerifyResult describes an accepted submission.
type VerifyResult struct {
	Method     Method
	VerifiedAt time.Time
	// RecoveryCodesRemaining is -1 for methods other than recovery codes.
	RecoveryCodesRemaining int
	LowRecoveryCodes       bool
	// NeedsReenrollment is set when the last recovery code was used.
	NeedsReenrollment bool
}

// SMSDispatch describes a sent SMS code. The code itself is never returned.
type SMSDispatch struct {
	MaskedPhone string
	ExpiresAt   time.Time
}

// SetupChallenge is a pending enrollment shown to the user once.
type SetupChallenge struct {
	Secret    string
	URI       string
	QRPNG     []byte
	ExpiresAt time.Time
}

// GateRequest is the input of [Engine.Evaluate].
type GateRequest struct {
	IdentityID string
	SessionID  string
	Path       string
}

// GateDecision is the verdict of the 2FA gate.
type GateDecision uint8

const (
	GatePass GateDecision = iota
	GateSetupRequired
	GateVerificationRequired
	GateLockedDown
)

func (d GateDecision) String() string {
	switch d {
	case GatePass:
		return "pass"
	case GateSetupRequired:
		return "setup_required"
	case GateVerificationRequired:
		return "verification_required"
	case GateLockedDown:
		return "locked_down"
	default:
		return "unknown"
	}
}

// GateResult carries the decision and where to send the client.
type GateResult struct {
	Decision GateDecision
	Redirect string
	Reason   Kind
	Lockdown *Lockdown
}

// LockdownTier distinguishes timed cooldowns from administrative lockdowns.
type LockdownTier string

const (
	TierCooldown LockdownTier = "cooldown"
	TierLockdown LockdownTier = "lockdown"
)

// Lockdown is the current restriction of an identity.
type Lockdown struct {
	IdentityID string
	Tier       LockdownTier
	Action     string
	// Until is the end of a cooldown. Zero for lockdowns.
	Until               time.Time
	TriggeredAt         time.Time
	Score               int
	RequiresAdminUnlock bool
	AdminIntervention   bool
	IP                  string
}

// RetryAfter is the time left on a cooldown, or zero.
func (l *Lockdown) RetryAfter(now time.Time) time.Duration {
	if l == nil || l.Tier != TierCooldown || l.Until.IsZero() {
		return 0
	}
	if d := l.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Escalation reports the effect of one recorded failure.
type Escalation struct {
	Failures          int
	Score             int
	Cooldown          time.Duration
	LockdownTriggered bool
	LockedDown        bool
	AdminIntervention bool
}

// Threat is one address failing against many identities.
type Threat struct {
	IP         string
	Identities int
	Attempts   int
	FirstSeen  time.Time
	LastSeen   time.Time
}

// EmergencyStatus is the lifecycle state of an emergency recovery request.
type EmergencyStatus string

const (
	EmergencyPending  EmergencyStatus = "pending"
	EmergencyApproved EmergencyStatus = "approved"
	EmergencyDenied   EmergencyStatus = "denied"
)

// EmergencyRequest asks administrators to restore access for an identity
// that lost every second factor.
type EmergencyRequest struct {
	ID            string
	IdentityID    string
	Reason        string
	ContactMethod string
	Contact       string
	IP            string
	UserAgent     string
	RequestedAt   time.Time
	Status        EmergencyStatus
	ResolvedBy    string
	ResolvedAt    time.Time
}

// Status is the second-factor state of an identity and session.
type Status struct {
	Enabled                bool
	Required               bool
	Verified               bool
	VerifiedAt             time.Time
	Method                 Method
	HasRecoveryCodes       bool
	RecoveryCodesRemaining int
	SMSAvailable           bool
	Lockdown               *Lockdown
}

// Statistics summarises adoption and enforcement across identities.
type Statistics struct {
	TotalIdentities    int
	Enabled            int
	Required           int
	RequiredEnabled    int
	ComplianceRate     float64
	AdoptionRate       float64
	ActiveLockdowns    int
	PendingEmergencies int
}
