package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the algorithm used for session tokens.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

var (
	// ErrMissingSubject is returned when a token lacks the identity or session claim.
	ErrMissingSubject = errors.New("token missing identity or session")
	// ErrFutureIssuedAt is returned when iat is beyond MaxFutureIAT.
	ErrFutureIssuedAt = errors.New("token iat too far in the future")

	errUnknownKeyID = errors.New("unknown kid")
)

// Config controls how session tokens are signed and validated.
//
// With VerifyKeys set, every token must carry a kid present in the map,
// which allows verification keys to rotate ahead of the signing key.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte

	// Now overrides the signing clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager signs and parses session tokens. It is safe for concurrent use.
type Manager struct {
	config Config
	method jwt.SigningMethod
	keys   keyring
	parser *jwt.Parser
}

// keyring holds keys decoded once at construction. byKID is nil unless
// verification is keyed by kid.
type keyring struct {
	sign   any
	verify any
	byKID  map[string]any
}

func (k keyring) lookup(t *jwt.Token, pinned string) (any, error) {
	kid, _ := t.Header["kid"].(string)
	switch {
	case k.byKID != nil:
		if key, ok := k.byKID[kid]; ok {
			return key, nil
		}
		return nil, errUnknownKeyID
	case pinned != "" && kid != pinned:
		return nil, errUnknownKeyID
	default:
		return k.verify, nil
	}
}

// SessionClaims identify the authenticated identity and its session.
// IssuedAt is what session revocation cutoffs compare against.
type SessionClaims struct {
	UID  string `json:"uid"`
	SID  string `json:"sid"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssuedTime returns the iat claim, or the zero time when absent.
func (c *SessionClaims) IssuedTime() time.Time {
	if c == nil || c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// NewManager validates cfg, decodes its keys and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.AccessTTL <= 0:
		return nil, errors.New("session token TTL must be positive")
	case cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute:
		return nil, errors.New("leeway must be within [0, 2m]")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("MaxFutureIAT must be within (0, 24h]")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{config: cfg}
	var err error
	switch cfg.SigningMethod {
	case MethodHS256:
		m.method = jwt.SigningMethodHS256
		m.keys, err = hmacKeyring(cfg)
	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
		m.keys, err = edKeyring(cfg)
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.SigningMethod)
	}
	if err != nil {
		return nil, err
	}
	if cfg.KeyID != "" && m.keys.byKID != nil {
		if _, ok := m.keys.byKID[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	m.parser = jwt.NewParser(m.parserOptions()...)
	return m, nil
}

func hmacKeyring(cfg Config) (keyring, error) {
	if len(cfg.PrivateKey) < 32 {
		return keyring{}, errors.New("hs256 requires a secret of at least 32 bytes")
	}
	k := keyring{sign: cfg.PrivateKey, verify: cfg.PrivateKey}
	if len(cfg.VerifyKeys) > 0 {
		k.byKID = make(map[string]any, len(cfg.VerifyKeys))
		for kid, secret := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return keyring{}, errors.New("verify key map contains empty kid")
			}
			k.byKID[kid] = secret
		}
	}
	return k, nil
}

func edKeyring(cfg Config) (keyring, error) {
	if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
		return keyring{}, errors.New("ed25519 requires public key or verify key set")
	}
	var k keyring
	if len(cfg.PrivateKey) > 0 {
		priv, err := parseEdPrivateKey(cfg.PrivateKey)
		if err != nil {
			return keyring{}, err
		}
		k.sign = priv
	}
	if len(cfg.PublicKey) > 0 {
		pub, err := parseEdPublicKey(cfg.PublicKey)
		if err != nil {
			return keyring{}, err
		}
		k.verify = pub
	}
	if len(cfg.VerifyKeys) > 0 {
		k.byKID = make(map[string]any, len(cfg.VerifyKeys))
		for kid, raw := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return keyring{}, errors.New("verify key map contains empty kid")
			}
			pub, err := parseEdPublicKey(raw)
			if err != nil {
				return keyring{}, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
			k.byKID[kid] = pub
		}
	}
	return k, nil
}

func (m *Manager) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithTimeFunc(m.config.Now),
	}
	if m.config.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.RequireIAT {
		opts = append(opts, jwt.WithIssuedAt())
	}
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.config.Audience))
	}
	return opts
}

// CreateSession signs a token for uid bound to session sid.
func (m *Manager) CreateSession(uid, sid, role string) (string, error) {
	if uid == "" || sid == "" {
		return "", ErrMissingSubject
	}
	if m.keys.sign == nil {
		return "", errors.New("manager has no signing key")
	}

	now := m.config.Now()
	claims := SessionClaims{
		UID:  uid,
		SID:  sid,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ID:        sid,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}
	return token.SignedString(m.keys.sign)
}

// ParseSession verifies the signature and registered claims of tokenStr.
// Tokens without uid or sid are rejected.
func (m *Manager) ParseSession(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := m.parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return m.keys.lookup(t, m.config.KeyID)
	})
	if err != nil {
		return nil, err
	}
	if claims.UID == "" || claims.SID == "" {
		return nil, ErrMissingSubject
	}
	if iat := claims.IssuedTime(); !iat.IsZero() && iat.After(m.config.Now().Add(m.config.MaxFutureIAT)) {
		return nil, ErrFutureIssuedAt
	}
	return claims, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
