package twofa

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrEthical07/twofa/internal"
	"github.com/MrEthical07/twofa/session"
	"go.uber.org/zap"
)

type verificationState uint8

const (
	verificationMissing verificationState = iota
	verificationValid
	verificationExpired
	verificationMismatch
)

// verificationGrace keeps a record in Redis past its timeout so the next
// gate check can report the session as expired instead of unverified.
const verificationGrace = 30 * time.Minute

// MarkVerified records that sessionID passed its second factor now. The
// fingerprint and user agent on ctx are bound to the record as hashes.
func (e *Engine) MarkVerified(ctx context.Context, sessionID, identityID string, method Method) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if sessionID == "" || identityID == "" {
		return ErrUnauthenticated
	}

	record := &session.Record{
		SessionID:       sessionID,
		IdentityID:      identityID,
		Method:          string(method),
		VerifiedAt:      e.now().UnixMilli(),
		FingerprintHash: internal.HashBindingValue(fingerprintFromContext(ctx)),
		UserAgentHash:   internal.HashBindingValue(userAgentFromContext(ctx)),
		IP:              clientIPFromContext(ctx),
	}
	if err := e.sessionStore.Save(ctx, record, e.config.Verification.Timeout+verificationGrace); err != nil {
		return e.unavailable("session_save", err, zap.String("identity_id", identityID))
	}
	return nil
}

// IsVerified reports whether sessionID holds a live verification record for
// identityID.
func (e *Engine) IsVerified(ctx context.Context, sessionID, identityID string) (bool, error) {
	if !e.ready() {
		return false, ErrEngineNotReady
	}
	state, _, err := e.verificationState(ctx, sessionID, identityID)
	if err != nil {
		return false, err
	}
	return state == verificationValid, nil
}

// IsExpired reports whether a record verified at verifiedAt is stale at now.
// A verification at T is valid strictly before T plus the timeout.
func (e *Engine) IsExpired(verifiedAt, now time.Time) bool {
	return !now.Before(verifiedAt.Add(e.config.Verification.Timeout))
}

func (e *Engine) verificationState(ctx context.Context, sessionID, identityID string) (verificationState, *session.Record, error) {
	if sessionID == "" {
		return verificationMissing, nil, nil
	}
	record, err := e.sessionStore.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrRecordNotFound) {
			return verificationMissing, nil, nil
		}
		return verificationMissing, nil, e.unavailable("session_get", err, zap.String("identity_id", identityID))
	}
	if record.IdentityID != identityID {
		return verificationMissing, nil, nil
	}
	if record.IsExpired(e.now(), e.config.Verification.Timeout) {
		return verificationExpired, record, nil
	}

	if e.config.Verification.EnforceFingerprint && bindingMismatch(ctx, record) {
		e.metricInc(MetricFingerprintMismatch)
		e.logger.Warn("session fingerprint mismatch",
			zap.String("identity_id", identityID),
			zap.String("session_id", sessionID),
		)
		e.emitAudit(ctx, auditEventFingerprintMismatch, false, identityID, sessionID, nil, nil)
		return verificationMismatch, record, nil
	}

	if ip := clientIPFromContext(ctx); ip != "" && record.IP != "" && ip != record.IP {
		e.logger.Info("verified session changed address",
			zap.String("identity_id", identityID),
			zap.String("previous_ip", record.IP),
			zap.String("ip", ip),
		)
	}
	return verificationValid, record, nil
}

// bindingMismatch compares the device fingerprint when one was recorded and
// falls back to the user agent otherwise.
func bindingMismatch(ctx context.Context, record *session.Record) bool {
	var zero [32]byte
	if record.FingerprintHash != zero {
		return internal.HashBindingValue(fingerprintFromContext(ctx)) != record.FingerprintHash
	}
	if record.UserAgentHash != zero {
		ua := internal.HashBindingValue(userAgentFromContext(ctx))
		return ua != zero && ua != record.UserAgentHash
	}
	return false
}

// ClearVerification deletes the verification record of sessionID, forcing
// the next gated request to verify again.
func (e *Engine) ClearVerification(ctx context.Context, sessionID, identityID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.sessionStore.Delete(ctx, sessionID, identityID); err != nil {
		return e.unavailable("session_delete", err, zap.String("identity_id", identityID))
	}
	return nil
}

// ForceLogout terminates every session of identityID. Access tokens issued
// up to now are rejected by the authentication middleware and every
// verification record is deleted. It returns the number of verified sessions
// that were removed.
func (e *Engine) ForceLogout(ctx context.Context, identityID, reason string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	if identityID == "" {
		return 0, ErrIdentityNotFound
	}

	ttl := e.config.Verification.RevocationTTL
	if err := e.sessionStore.RevokeIdentity(ctx, identityID, e.now(), ttl); err != nil {
		return 0, e.unavailable("revoke_identity", err, zap.String("identity_id", identityID))
	}
	ids, err := e.sessionStore.DeleteAllForIdentity(ctx, identityID)
	if err != nil {
		return 0, e.unavailable("session_delete_all", err, zap.String("identity_id", identityID))
	}
	for _, sid := range ids {
		if err := e.sessionStore.RevokeSession(ctx, sid, ttl); err != nil {
			return 0, e.unavailable("revoke_session", err, zap.String("identity_id", identityID))
		}
	}

	e.metricInc(MetricForcedLogout)
	e.logger.Warn("forced logout",
		zap.String("identity_id", identityID),
		zap.String("reason", reason),
		zap.Int("sessions", len(ids)),
	)
	e.emitAudit(ctx, auditEventForcedLogout, true, identityID, "", nil, func() map[string]string {
		return map[string]string{
			"reason":   reason,
			"sessions": strconv.Itoa(len(ids)),
		}
	})
	return len(ids), nil
}

// Logout ends one session: its verification record is deleted and its
// access token is rejected from now on.
func (e *Engine) Logout(ctx context.Context, sessionID, identityID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if sessionID == "" {
		return ErrUnauthenticated
	}
	if err := e.sessionStore.Delete(ctx, sessionID, identityID); err != nil {
		return e.unavailable("session_delete", err, zap.String("identity_id", identityID))
	}
	if err := e.sessionStore.RevokeSession(ctx, sessionID, e.config.Verification.RevocationTTL); err != nil {
		return e.unavailable("revoke_session", err, zap.String("identity_id", identityID))
	}
	return nil
}

// IsSessionRevoked reports whether a token for sessionID issued at issuedAt
// was logged out.
func (e *Engine) IsSessionRevoked(ctx context.Context, identityID, sessionID string, issuedAt time.Time) (bool, error) {
	if !e.ready() {
		return false, ErrEngineNotReady
	}
	revoked, err := e.sessionStore.IsRevoked(ctx, identityID, sessionID, issuedAt)
	if err != nil {
		return false, e.unavailable("revocation_check", err, zap.String("identity_id", identityID))
	}
	return revoked, nil
}
