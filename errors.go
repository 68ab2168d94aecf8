package twofa

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEngineNotReady is returned when an Engine method is called on an engine that was not built.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrIdentityNotFound is returned when the identity provider has no such identity.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrUnauthenticated is returned when no authenticated identity is attached to the request.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrSetupRequired is returned when the operation needs an enrolled second factor.
	ErrSetupRequired = errors.New("two-factor setup required")
	// ErrVerificationRequired is returned when the session has not passed the second factor.
	ErrVerificationRequired = errors.New("two-factor verification required")
	// ErrSessionExpired is returned when the session was verified but the verification timed out.
	ErrSessionExpired = errors.New("two-factor verification expired")
	// ErrAlreadyEnabled is returned by setup when the identity already has a second factor.
	ErrAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrEnrollmentNotFound is returned when no pending enrollment exists or it has expired.
	ErrEnrollmentNotFound = errors.New("no pending two-factor enrollment")
	// ErrInvalidMethod is returned for an unknown verification method.
	ErrInvalidMethod = errors.New("invalid verification method")
	// ErrInvalidCode is returned when a submitted code matches nothing.
	ErrInvalidCode = errors.New("invalid code")
	// ErrExpiredCode is returned when a submitted code was valid but is past its lifetime.
	ErrExpiredCode = errors.New("expired code")
	// ErrAlreadyUsed is returned when a single-use code is submitted again.
	ErrAlreadyUsed = errors.New("code already used")
	// ErrNoRecoveryCodes is returned when a recovery code is submitted but none remain.
	ErrNoRecoveryCodes = errors.New("no recovery codes remaining")
	// ErrSMSUnavailable is returned when SMS delivery is not configured or the identity has no phone.
	ErrSMSUnavailable = errors.New("sms verification unavailable")
	// ErrInvalidPassword is returned when a password re-check fails.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrDisableForbidden is returned when a mandatory-role identity tries to disable its second factor.
	ErrDisableForbidden = errors.New("two-factor authentication is mandatory for this role")
	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
	// ErrLockedDown is matched by every *LockdownError.
	ErrLockedDown = errors.New("identity locked")
	// ErrLockdownNotFound is returned by Unlock when the identity was not locked down.
	ErrLockdownNotFound = errors.New("lockdown not found")
	// ErrEmergencyRequestNotFound is returned for unknown or expired emergency requests.
	ErrEmergencyRequestNotFound = errors.New("emergency recovery request not found")
	// ErrEmergencyRequestInvalid is returned when an emergency request is missing required fields.
	ErrEmergencyRequestInvalid = errors.New("invalid emergency recovery request")
	// ErrEmergencyRequestResolved is returned when resolving a request twice.
	ErrEmergencyRequestResolved = errors.New("emergency recovery request already resolved")
	// ErrUnavailable is returned whenever a backing store cannot be reached. The
	// engine fails closed: the guarded action is denied.
	ErrUnavailable = errors.New("two-factor backend unavailable")
)

// RateLimitError reports a rejected attempt and how long until the window
// resets.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s attempts rate limited, retry after %s", e.Action, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// LockdownError reports a cooldown or administrative lockdown of the identity.
type LockdownError struct {
	Lockdown *Lockdown
}

func (e *LockdownError) Error() string {
	if e.Lockdown == nil {
		return ErrLockedDown.Error()
	}
	if e.Lockdown.Tier == TierCooldown {
		return fmt.Sprintf("identity in cooldown until %s", e.Lockdown.Until.UTC().Format(time.RFC3339))
	}
	return "identity locked down, administrator unlock required"
}

func (e *LockdownError) Is(target error) bool {
	return target == ErrLockedDown
}

// Kind is the stable, client-facing classification of an error.
type Kind string

const (
	KindInvalidCode          Kind = "invalid_code"
	KindExpiredCode          Kind = "expired_code"
	KindAlreadyUsed          Kind = "already_used"
	KindNoRecoveryCodes      Kind = "no_recovery_codes_remaining"
	KindRateLimited          Kind = "rate_limited"
	KindLockedDown           Kind = "locked_down"
	KindSessionExpired       Kind = "session_expired"
	KindSetupRequired        Kind = "setup_required"
	KindVerificationRequired Kind = "verification_required"
	KindUnauthenticated      Kind = "unauthenticated"
	KindInvalidPassword      Kind = "invalid_password"
	KindInvalidRequest       Kind = "invalid_request"
	KindForbidden            Kind = "forbidden"
	KindNotFound             Kind = "not_found"
	KindUnavailable          Kind = "unavailable"
	KindInternal             Kind = "internal"
)

// KindOf maps err onto the error taxonomy. Unknown errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCode):
		return KindInvalidCode
	case errors.Is(err, ErrExpiredCode):
		return KindExpiredCode
	case errors.Is(err, ErrAlreadyUsed):
		return KindAlreadyUsed
	case errors.Is(err, ErrNoRecoveryCodes):
		return KindNoRecoveryCodes
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrLockedDown):
		return KindLockedDown
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, ErrSetupRequired):
		return KindSetupRequired
	case errors.Is(err, ErrVerificationRequired):
		return KindVerificationRequired
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrInvalidPassword):
		return KindInvalidPassword
	case errors.Is(err, ErrInvalidMethod),
		errors.Is(err, ErrEmergencyRequestInvalid),
		errors.Is(err, ErrAlreadyEnabled),
		errors.Is(err, ErrEnrollmentNotFound),
		errors.Is(err, ErrEmergencyRequestResolved):
		return KindInvalidRequest
	case errors.Is(err, ErrDisableForbidden):
		return KindForbidden
	case errors.Is(err, ErrIdentityNotFound),
		errors.Is(err, ErrLockdownNotFound),
		errors.Is(err, ErrEmergencyRequestNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrSMSUnavailable),
		errors.Is(err, ErrEngineNotReady):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// PublicKind collapses the code failure kinds into invalid_code so a client
// cannot learn which check rejected its code.
func PublicKind(kind Kind) Kind {
	switch kind {
	case KindExpiredCode, KindAlreadyUsed:
		return KindInvalidCode
	}
	return kind
}

// PublicMessage returns the human readable text shown to end users for kind.
func PublicMessage(kind Kind) string {
	switch kind {
	case KindInvalidCode, KindExpiredCode, KindAlreadyUsed:
		return "The code is invalid or expired."
	case KindNoRecoveryCodes:
		return "No recovery codes remain. Contact an administrator to regain access."
	case KindRateLimited:
		return "Too many attempts. Please try again later."
	case KindLockedDown:
		return "Your account is locked. Please contact an administrator."
	case KindSessionExpired:
		return "Your verification has expired. Please verify again."
	case KindSetupRequired:
		return "Two-factor authentication is required for your account. Please complete setup."
	case KindVerificationRequired:
		return "Two-factor verification is required."
	case KindUnauthenticated:
		return "Authentication required."
	case KindInvalidPassword:
		return "The password is incorrect."
	case KindInvalidRequest:
		return "The request is invalid."
	case KindForbidden:
		return "This action is not permitted for your account."
	case KindNotFound:
		return "Not found."
	case KindUnavailable:
		return "The service is temporarily unavailable. Please try again later."
	default:
		return "An unexpected error occurred."
	}
}
