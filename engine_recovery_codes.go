package twofa

import "context"

// RegenerateRecoveryCodes replaces every recovery code of identityID after
// re-checking its password. Previously issued codes stop working at once.
func (e *Engine) RegenerateRecoveryCodes(ctx context.Context, identityID, password string) ([]string, error) {
	if !e.ready() || !e.flow.Initialized() {
		return nil, ErrEngineNotReady
	}
	if err := e.trackAttempt(ctx, identityID, ActionGeneral); err != nil {
		return nil, err
	}
	return e.flow.RegenerateRecoveryCodes(ctx, identityID, password)
}

// RecoveryCodesRemaining returns the number of unused recovery codes.
func (e *Engine) RecoveryCodesRemaining(ctx context.Context, identityID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	if _, err := e.getIdentity(ctx, identityID); err != nil {
		return 0, err
	}
	n, err := e.identities.RecoveryCodesRemaining(ctx, identityID)
	if err != nil {
		return 0, e.unavailable("recovery_codes_remaining", err)
	}
	return n, nil
}
