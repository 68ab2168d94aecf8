package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// DefaultMaxPasswordBytes caps the input to Hash and Verify when
// Config.MaxPasswordBytes is zero.
const DefaultMaxPasswordBytes = 1024

const minPasswordBytes = 10

var (
	// ErrMalformedHash is returned for stored hashes that are not argon2id
	// PHC strings with acceptable parameters.
	ErrMalformedHash = errors.New("malformed argon2id hash")
	// ErrPasswordLength is returned for inputs outside the accepted length.
	ErrPasswordLength = errors.New("password length out of range")
)

// floor holds the weakest parameters Verify accepts from a stored hash and
// NewArgon2 accepts from a config.
var floor = Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16}

// Config holds the Argon2id cost parameters.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	// MaxPasswordBytes is the longest accepted input.
	// Zero means DefaultMaxPasswordBytes.
	MaxPasswordBytes int
}

// DefaultConfig returns 64 MiB, 3 passes, 2 lanes, 16-byte salt and a
// 32-byte key.
func DefaultConfig() Config {
	return Config{Memory: 64 * 1024, Time: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32}
}

func (c Config) weakerThan(o Config) bool {
	return c.Memory < o.Memory || c.Time < o.Time || c.Parallelism < o.Parallelism
}

// Argon2 re-checks an identity's account password before sensitive second
// factor changes such as disabling 2FA or regenerating recovery codes.
// Identity stores own the hashes; Hash exists for seeding and tests.
type Argon2 struct {
	config Config
}

// NewArgon2 rejects configs weaker than the package floor.
func NewArgon2(cfg Config) (*Argon2, error) {
	switch {
	case cfg.weakerThan(floor):
		return nil, fmt.Errorf("argon2 cost below m=%d,t=%d,p=%d", floor.Memory, floor.Time, floor.Parallelism)
	case cfg.SaltLength < floor.SaltLength:
		return nil, fmt.Errorf("argon2 salt shorter than %d bytes", floor.SaltLength)
	case cfg.KeyLength < floor.KeyLength:
		return nil, fmt.Errorf("argon2 key shorter than %d bytes", floor.KeyLength)
	}
	if cfg.MaxPasswordBytes <= 0 {
		cfg.MaxPasswordBytes = DefaultMaxPasswordBytes
	}
	return &Argon2{config: cfg}, nil
}

// Config returns the parameters new hashes are produced with.
func (a *Argon2) Config() Config {
	return a.config
}

// Hash returns a PHC string for password under a fresh salt. Input is used
// byte for byte, without Unicode normalization.
func (a *Argon2) Hash(password string) (string, error) {
	if len(password) < minPasswordBytes || len(password) > a.config.MaxPasswordBytes {
		return "", ErrPasswordLength
	}
	salt := make([]byte, a.config.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := phc{params: a.config, salt: salt}
	p.key = p.derive(password)
	return p.String(), nil
}

// Verify reports whether password matches encoded, deriving the key with
// the parameters recorded in encoded rather than the current config.
func (a *Argon2) Verify(password, encoded string) (bool, error) {
	if len(password) > a.config.MaxPasswordBytes {
		return false, ErrPasswordLength
	}
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(p.derive(password), p.key) == 1, nil
}

// NeedsUpgrade reports whether encoded was produced with weaker costs or a
// different key length than the current config.
func (a *Argon2) NeedsUpgrade(encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return p.params.weakerThan(a.config) || p.params.KeyLength != a.config.KeyLength, nil
}

// phc is one decoded "$argon2id$v=19$m=..,t=..,p=..$salt$key" string.
type phc struct {
	params Config
	salt   []byte
	key    []byte
}

func (p phc) derive(password string) []byte {
	return argon2.IDKey([]byte(password), p.salt, p.params.Time, p.params.Memory, p.params.Parallelism, p.params.KeyLength)
}

func (p phc) String() string {
	enc := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.params.Memory, p.params.Time, p.params.Parallelism,
		enc.EncodeToString(p.salt), enc.EncodeToString(p.key))
}

func parsePHC(encoded string) (phc, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return phc{}, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return phc{}, fmt.Errorf("%w: version %q", ErrMalformedHash, fields[2])
	}

	var p phc
	var memory, time, lanes uint64
	n, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &memory, &time, &lanes)
	if err != nil || n != 3 || fmt.Sprintf("m=%d,t=%d,p=%d", memory, time, lanes) != fields[3] {
		return phc{}, fmt.Errorf("%w: parameters %q", ErrMalformedHash, fields[3])
	}
	if memory > 1<<32-1 || time > 1<<32-1 || lanes > 255 {
		return phc{}, fmt.Errorf("%w: parameters out of range", ErrMalformedHash)
	}
	p.params = Config{Memory: uint32(memory), Time: uint32(time), Parallelism: uint8(lanes)}
	if p.params.weakerThan(floor) {
		return phc{}, fmt.Errorf("%w: parameters below floor", ErrMalformedHash)
	}

	if p.salt, err = decodeSegment(fields[4]); err != nil || len(p.salt) < int(floor.SaltLength) {
		return phc{}, fmt.Errorf("%w: salt", ErrMalformedHash)
	}
	if p.key, err = decodeSegment(fields[5]); err != nil || len(p.key) == 0 {
		return phc{}, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	p.params.SaltLength = uint32(len(p.salt))
	p.params.KeyLength = uint32(len(p.key))
	return p, nil
}

// decodeSegment accepts both the unpadded PHC form and padded base64 as
// written by older identity stores.
func decodeSegment(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
