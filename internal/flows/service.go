package flows

import "context"

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Verify.GetIdentity != nil
}

func (s Service) Verify(ctx context.Context, in VerifyInput) (*VerifyOutcome, error) {
	return RunVerify(ctx, in, s.deps.Verify)
}

func (s Service) BeginSetup(ctx context.Context, identityID string) (*SetupChallenge, error) {
	return RunBeginSetup(ctx, identityID, s.deps.Setup)
}

func (s Service) ConfirmSetup(ctx context.Context, sessionID, identityID, code string) ([]string, error) {
	return RunConfirmSetup(ctx, sessionID, identityID, code, s.deps.Setup)
}

func (s Service) RegenerateRecoveryCodes(ctx context.Context, identityID, password string) ([]string, error) {
	return RunRegenerateRecoveryCodes(ctx, identityID, password, s.deps.RecoveryCodes)
}
