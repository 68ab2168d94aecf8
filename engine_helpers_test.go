package twofa

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/twofa/internal/flows"
	"github.com/MrEthical07/twofa/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testPassword = "correct-password-123"

// testEpoch sits in the middle of a 30 second TOTP step.
var testEpoch = time.Unix(1_700_000_010, 0).UTC()

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recoveryEntry struct {
	hash [32]byte
	used bool
}

type mockIdentityProvider struct {
	mu         sync.Mutex
	identities map[string]*Identity
	recovery   map[string][]recoveryEntry
	failWith   error
}

func newMockIdentityProvider() *mockIdentityProvider {
	return &mockIdentityProvider{
		identities: map[string]*Identity{},
		recovery:   map[string][]recoveryEntry{},
	}
}

func (p *mockIdentityProvider) add(identity Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := identity
	p.identities[identity.ID] = &cp
}

func (p *mockIdentityProvider) snapshot(id string) Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.identities[id]
}

func (p *mockIdentityProvider) GetIdentity(_ context.Context, id string) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return Identity{}, p.failWith
	}
	identity, ok := p.identities[id]
	if !ok {
		return Identity{}, ErrIdentityNotFound
	}
	return *identity, nil
}

func (p *mockIdentityProvider) EnableTwoFactor(_ context.Context, id, secret string, hashes [][32]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	identity, ok := p.identities[id]
	if !ok {
		return ErrIdentityNotFound
	}
	identity.TwoFactorEnabled = true
	identity.TOTPSecret = secret
	identity.TOTPLastCounter = 0
	p.recovery[id] = entriesFor(hashes)
	return nil
}

func (p *mockIdentityProvider) DisableTwoFactor(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	identity, ok := p.identities[id]
	if !ok {
		return ErrIdentityNotFound
	}
	identity.TwoFactorEnabled = false
	identity.TOTPSecret = ""
	identity.TOTPLastCounter = 0
	delete(p.recovery, id)
	return nil
}

func (p *mockIdentityProvider) AdvanceTOTPCounter(_ context.Context, id string, counter int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	identity, ok := p.identities[id]
	if !ok {
		return false, ErrIdentityNotFound
	}
	if counter <= identity.TOTPLastCounter {
		return false, nil
	}
	identity.TOTPLastCounter = counter
	return true, nil
}

func (p *mockIdentityProvider) ConsumeRecoveryCode(_ context.Context, id string, hash [32]byte) (RecoveryCodeState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.recovery[id]
	if len(entries) == 0 {
		return RecoveryCodeNoneIssued, nil
	}
	for i := range entries {
		if entries[i].hash != hash {
			continue
		}
		if entries[i].used {
			return RecoveryCodeAlreadyUsed, nil
		}
		entries[i].used = true
		return RecoveryCodeConsumed, nil
	}
	return RecoveryCodeUnknown, nil
}

func (p *mockIdentityProvider) RecoveryCodesRemaining(_ context.Context, id string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.recovery[id] {
		if !e.used {
			n++
		}
	}
	return n, nil
}

func (p *mockIdentityProvider) ReplaceRecoveryCodes(_ context.Context, id string, hashes [][32]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovery[id] = entriesFor(hashes)
	return nil
}

func (p *mockIdentityProvider) CountIdentities(_ context.Context, mandatoryRoles []string) (IdentityCounts, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c IdentityCounts
	for _, identity := range p.identities {
		c.Total++
		required := false
		for _, r := range mandatoryRoles {
			if r == identity.Role {
				required = true
			}
		}
		if identity.TwoFactorEnabled {
			c.Enabled++
		}
		if required {
			c.Required++
			if identity.TwoFactorEnabled {
				c.RequiredEnabled++
			}
		}
	}
	return c, nil
}

func entriesFor(hashes [][32]byte) []recoveryEntry {
	out := make([]recoveryEntry, len(hashes))
	for i, h := range hashes {
		out[i] = recoveryEntry{hash: h}
	}
	return out
}

type recordingSMSSender struct {
	mu       sync.Mutex
	messages []string
	phones   []string
	err      error
}

func (s *recordingSMSSender) SendSMS(_ context.Context, phone, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.phones = append(s.phones, phone)
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSMSSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[len(s.messages)-1]
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []AdminAlert
}

func (n *recordingNotifier) NotifyAdmins(_ context.Context, alert AdminAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.alerts))
	for i, a := range n.alerts {
		out[i] = a.Kind
	}
	return out
}

type testEnv struct {
	engine   *Engine
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	clock    *testClock
	users    *mockIdentityProvider
	sms      *recordingSMSSender
	notifier *recordingNotifier
	hasher   *password.Argon2
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func newTestHasher(t *testing.T) *password.Argon2 {
	t.Helper()
	h, err := password.NewArgon2(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Audit.Enabled = false
	return cfg
}

// newTestEnv builds an engine over miniredis with identities u1 (member,
// no second factor), admin1 (admin, no second factor) and u2 (member, TOTP
// enabled with secret rfcSecretSHA1 and a phone number).
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return newTestEnvWithSink(t, cfg, nil)
}

func newTestEnvWithSink(t *testing.T, cfg Config, sink AuditSink) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	t.Cleanup(mr.Close)

	hasher := newTestHasher(t)
	hash, err := hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	users := newMockIdentityProvider()
	users.add(Identity{ID: "u1", Email: "u1@example.com", Role: "member", PasswordHash: hash})
	users.add(Identity{ID: "admin1", Email: "admin1@example.com", Role: "admin", PasswordHash: hash})
	users.add(Identity{
		ID:               "u2",
		Email:            "u2@example.com",
		Role:             "member",
		PasswordHash:     hash,
		PhoneNumber:      "+15551234567",
		TwoFactorEnabled: true,
		TOTPSecret:       rfcSecretSHA1,
	})

	env := &testEnv{
		mr:       mr,
		rdb:      rdb,
		clock:    &testClock{now: testEpoch},
		users:    users,
		sms:      &recordingSMSSender{},
		notifier: &recordingNotifier{},
		hasher:   hasher,
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityProvider(users).
		WithSMSSender(env.sms).
		WithAdminNotifier(env.notifier).
		WithPasswordVerifier(hasher).
		WithClock(env.clock.Now).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine
	return env
}

// giveRecoveryCodes installs plaintext codes for identityID.
func (env *testEnv) giveRecoveryCodes(t *testing.T, identityID string, codes ...string) {
	t.Helper()
	hashes := make([][32]byte, len(codes))
	for i, c := range codes {
		hashes[i] = recoveryHash(identityID, c)
	}
	if err := env.users.ReplaceRecoveryCodes(context.Background(), identityID, hashes); err != nil {
		t.Fatalf("ReplaceRecoveryCodes failed: %v", err)
	}
}

func recoveryHash(identityID, code string) [32]byte {
	return flows.RecoveryCodeHash(identityID, flows.CanonicalizeRecoveryCode(code))
}

func (env *testEnv) totpNow(t *testing.T) string {
	t.Helper()
	return totpCodeAt(t, rfcSecretSHA1, env.clock.Now())
}

func clientCtx(ip string) context.Context {
	return WithClientIP(context.Background(), ip)
}
