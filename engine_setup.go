package twofa

import (
	"context"
	"errors"

	"github.com/MrEthical07/twofa/internal/stores"
	"go.uber.org/zap"
)

// BeginSetup starts enrollment for identityID and returns the new secret, its
// provisioning URI and a QR code. The secret is held for TOTP.EnrollmentTTL
// until ConfirmSetup proves the authenticator holds it.
func (e *Engine) BeginSetup(ctx context.Context, identityID string) (*SetupChallenge, error) {
	if !e.ready() || !e.flow.Initialized() {
		return nil, ErrEngineNotReady
	}
	ch, err := e.flow.BeginSetup(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return &SetupChallenge{
		Secret:    ch.Secret,
		URI:       ch.URI,
		QRPNG:     ch.QRPNG,
		ExpiresAt: ch.ExpiresAt,
	}, nil
}

// ConfirmSetup enables the second factor when code matches the pending
// secret. It returns the recovery codes, formatted for display; they are not
// retrievable afterwards. When sessionID is set the session counts as
// verified.
func (e *Engine) ConfirmSetup(ctx context.Context, sessionID, identityID, code string) ([]string, error) {
	if !e.ready() || !e.flow.Initialized() {
		return nil, ErrEngineNotReady
	}
	return e.flow.ConfirmSetup(ctx, sessionID, identityID, code)
}

// PendingSetupQR renders the QR code of the pending enrollment again.
func (e *Engine) PendingSetupQR(ctx context.Context, identityID string) ([]byte, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	identity, err := e.getIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if identity.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}

	secret, err := e.enrollments.Get(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, stores.ErrEnrollmentNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, e.unavailable("enrollment_get", err, zap.String("identity_id", identityID))
	}

	account := identity.Email
	if account == "" {
		account = identity.ID
	}
	uri, err := e.totp.ProvisionURI(secret, account)
	if err != nil {
		return nil, err
	}
	return e.totp.RenderQR(uri)
}
