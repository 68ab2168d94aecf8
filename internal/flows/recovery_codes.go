package flows

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"strings"
)

// RecoveryCodeAlphabet omits characters that are easy to misread (0/O, 1/I).
const RecoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var errInvalidRecoveryCodeShape = errors.New("recovery code count and length must be positive")

type RecoveryCodeMetrics struct {
	RecoveryCodesRegenerated int
}

type RecoveryCodeEvents struct {
	RecoveryCodesRegenerated string
}

type RecoveryCodeErrors struct {
	EngineNotReady   error
	IdentityNotFound error
	SetupRequired    error
	InvalidPassword  error
	Unavailable      error
}

type RecoveryCodeDeps struct {
	Count  int
	Length int

	GetIdentity          func(context.Context, string) (VerifyIdentity, error)
	VerifyPassword       func(context.Context, string, string) (bool, error)
	ReplaceRecoveryCodes func(context.Context, string, [][32]byte) error

	RandomIndex func(int) (int, error)

	MetricInc func(int)
	EmitAudit func(context.Context, string, bool, string, string, error, func() map[string]string)

	Metrics RecoveryCodeMetrics
	Events  RecoveryCodeEvents
	Errors  RecoveryCodeErrors
}

// RunRegenerateRecoveryCodes replaces every recovery code of an identity
// after re-checking its password. The plaintext codes are returned once.
func RunRegenerateRecoveryCodes(ctx context.Context, identityID, password string, deps RecoveryCodeDeps) ([]string, error) {
	normalizeRecoveryCodeDeps(&deps)

	if deps.GetIdentity == nil || deps.VerifyPassword == nil || deps.ReplaceRecoveryCodes == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if identityID == "" {
		return nil, deps.Errors.IdentityNotFound
	}

	identity, err := deps.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, deps.Errors.IdentityNotFound) {
			return nil, deps.Errors.IdentityNotFound
		}
		return nil, deps.Errors.Unavailable
	}
	if !identity.TwoFactorEnabled {
		return nil, deps.Errors.SetupRequired
	}

	ok, err := deps.VerifyPassword(ctx, identity.ID, password)
	if err != nil {
		return nil, deps.Errors.Unavailable
	}
	if !ok {
		return nil, deps.Errors.InvalidPassword
	}

	codes, hashes, err := GenerateRecoveryCodes(identity.ID, deps.Count, deps.Length, deps.RandomIndex)
	if err != nil {
		return nil, deps.Errors.Unavailable
	}
	if err := deps.ReplaceRecoveryCodes(ctx, identity.ID, hashes); err != nil {
		return nil, deps.Errors.Unavailable
	}

	deps.MetricInc(deps.Metrics.RecoveryCodesRegenerated)
	deps.EmitAudit(ctx, deps.Events.RecoveryCodesRegenerated, true, identity.ID, "", nil, nil)
	return codes, nil
}

// GenerateRecoveryCodes returns count formatted codes and their hashes bound
// to identityID.
func GenerateRecoveryCodes(identityID string, count, length int, randomIndex func(int) (int, error)) ([]string, [][32]byte, error) {
	if count <= 0 || length <= 0 {
		return nil, nil, errInvalidRecoveryCodeShape
	}

	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)
	for i := 0; i < count; i++ {
		raw, err := NewRecoveryCode(length, randomIndex)
		if err != nil {
			return nil, nil, err
		}
		hashes = append(hashes, RecoveryCodeHash(identityID, CanonicalizeRecoveryCode(raw)))
		codes = append(codes, FormatRecoveryCode(raw))
	}
	return codes, hashes, nil
}

func NewRecoveryCode(length int, randomIndex func(int) (int, error)) (string, error) {
	if randomIndex == nil {
		randomIndex = cryptoRandomIndex
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := randomIndex(len(RecoveryCodeAlphabet))
		if err != nil {
			return "", err
		}
		b.WriteByte(RecoveryCodeAlphabet[n])
	}
	return b.String(), nil
}

// FormatRecoveryCode splits codes of eight or more characters in two halves.
func FormatRecoveryCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

func CanonicalizeRecoveryCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

func RecoveryCodeHash(identityID, canonicalCode string) [32]byte {
	data := make([]byte, 0, len(identityID)+1+len(canonicalCode))
	data = append(data, identityID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}

func cryptoRandomIndex(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

func normalizeRecoveryCodeDeps(deps *RecoveryCodeDeps) {
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
	if deps.RandomIndex == nil {
		deps.RandomIndex = cryptoRandomIndex
	}
}
