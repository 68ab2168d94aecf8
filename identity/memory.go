package identity

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/MrEthical07/twofa"
)

type recoveryCode struct {
	hash [32]byte
	used bool
}

// MemoryStore keeps identities in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	identities map[string]*twofa.Identity
	codes      map[string][]recoveryCode
}

// NewMemoryStore returns a store seeded with identities.
func NewMemoryStore(identities ...twofa.Identity) *MemoryStore {
	s := &MemoryStore{
		identities: make(map[string]*twofa.Identity, len(identities)),
		codes:      make(map[string][]recoveryCode),
	}
	for _, identity := range identities {
		s.Put(identity)
	}
	return s
}

// Put inserts or replaces an identity. Recovery codes are left untouched.
func (s *MemoryStore) Put(identity twofa.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := identity
	s.identities[identity.ID] = &cp
}

// IDs returns the stored identity IDs in sorted order.
func (s *MemoryStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.identities))
	for id := range s.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *MemoryStore) GetIdentity(_ context.Context, identityID string) (twofa.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return twofa.Identity{}, twofa.ErrIdentityNotFound
	}
	return *identity, nil
}

func (s *MemoryStore) EnableTwoFactor(_ context.Context, identityID, secret string, recoveryCodeHashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return twofa.ErrIdentityNotFound
	}
	identity.TwoFactorEnabled = true
	identity.TOTPSecret = secret
	identity.TOTPLastCounter = 0
	s.codes[identityID] = newCodes(recoveryCodeHashes)
	return nil
}

func (s *MemoryStore) DisableTwoFactor(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return twofa.ErrIdentityNotFound
	}
	identity.TwoFactorEnabled = false
	identity.TOTPSecret = ""
	identity.TOTPLastCounter = 0
	delete(s.codes, identityID)
	return nil
}

func (s *MemoryStore) AdvanceTOTPCounter(_ context.Context, identityID string, counter int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return false, twofa.ErrIdentityNotFound
	}
	if counter <= identity.TOTPLastCounter {
		return false, nil
	}
	identity.TOTPLastCounter = counter
	return true, nil
}

func (s *MemoryStore) ConsumeRecoveryCode(_ context.Context, identityID string, codeHash [32]byte) (twofa.RecoveryCodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identityID]; !ok {
		return "", twofa.ErrIdentityNotFound
	}
	codes := s.codes[identityID]
	if len(codes) == 0 {
		return twofa.RecoveryCodeNoneIssued, nil
	}
	for i := range codes {
		if codes[i].hash != codeHash {
			continue
		}
		if codes[i].used {
			return twofa.RecoveryCodeAlreadyUsed, nil
		}
		codes[i].used = true
		return twofa.RecoveryCodeConsumed, nil
	}
	return twofa.RecoveryCodeUnknown, nil
}

func (s *MemoryStore) RecoveryCodesRemaining(_ context.Context, identityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identityID]; !ok {
		return 0, twofa.ErrIdentityNotFound
	}
	n := 0
	for _, c := range s.codes[identityID] {
		if !c.used {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReplaceRecoveryCodes(_ context.Context, identityID string, codeHashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identityID]; !ok {
		return twofa.ErrIdentityNotFound
	}
	s.codes[identityID] = newCodes(codeHashes)
	return nil
}

func (s *MemoryStore) CountIdentities(_ context.Context, mandatoryRoles []string) (twofa.IdentityCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	required := roleSet(mandatoryRoles)
	var c twofa.IdentityCounts
	for _, identity := range s.identities {
		c.Total++
		if identity.TwoFactorEnabled {
			c.Enabled++
		}
		if _, ok := required[strings.ToLower(identity.Role)]; ok {
			c.Required++
			if identity.TwoFactorEnabled {
				c.RequiredEnabled++
			}
		}
	}
	return c, nil
}

func newCodes(hashes [][32]byte) []recoveryCode {
	out := make([]recoveryCode, len(hashes))
	for i, h := range hashes {
		out[i] = recoveryCode{hash: h}
	}
	return out
}

func roleSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	return set
}

func lowerRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for r := range roleSet(roles) {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

var _ twofa.IdentityProvider = (*MemoryStore)(nil)
