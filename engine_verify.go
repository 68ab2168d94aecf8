package twofa

import (
	"context"

	"github.com/MrEthical07/twofa/internal/flows"
)

// Verify checks one second-factor submission and, on success, marks the
// session verified.
//
// The attempt is counted before the code is looked at, so a correct code
// submitted over the limit fails with a *RateLimitError. Failures return the
// precise error (ErrInvalidCode, ErrExpiredCode, ErrAlreadyUsed or
// ErrNoRecoveryCodes) and are charged to the lockdown policy of the method.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if !e.ready() || !e.flow.Initialized() {
		return nil, ErrEngineNotReady
	}
	if req.SessionID == "" {
		return nil, ErrUnauthenticated
	}
	method := req.Method
	if method == "" {
		method = MethodTOTP
	}

	out, err := e.flow.Verify(ctx, flows.VerifyInput{
		SessionID:  req.SessionID,
		IdentityID: req.IdentityID,
		Method:     string(method),
		Code:       req.Code,
	})
	if err != nil {
		return nil, err
	}

	return &VerifyResult{
		Method:                 Method(out.Method),
		VerifiedAt:             e.now(),
		RecoveryCodesRemaining: out.RecoveryCodesRemaining,
		LowRecoveryCodes:       out.LowRecoveryCodes,
		NeedsReenrollment:      out.NeedsReenrollment,
	}, nil
}
