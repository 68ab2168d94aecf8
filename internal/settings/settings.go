// Package settings loads process configuration from an optional .env file
// and TWOFA_* environment variables.
//
// Variable names drop the TWOFA_ prefix and are lowercased; a double
// underscore nests, so TWOFA_RATE_LIMIT_THRESHOLDS__SMS_REQUEST__MAX_ATTEMPTS
// sets rate_limit_thresholds.sms_request.max_attempts. Environment variables
// override the .env file.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/internal/logging"
	"github.com/MrEthical07/twofa/jwt"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "TWOFA_"

// Process is the configuration of the server and admin binaries.
type Process struct {
	ServerAddr string `koanf:"server_addr"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	// EmbeddedRedis runs an in-process miniredis when RedisAddr is empty.
	EmbeddedRedis bool `koanf:"embedded_redis"`

	PostgresDSN string `koanf:"postgres_dsn"`

	JWTSigningMethod  string        `koanf:"jwt_signing_method"`
	JWTSecret         string        `koanf:"jwt_secret"`
	JWTPrivateKeyFile string        `koanf:"jwt_private_key_file"`
	JWTPublicKeyFile  string        `koanf:"jwt_public_key_file"`
	JWTIssuer         string        `koanf:"jwt_issuer"`
	JWTAudience       string        `koanf:"jwt_audience"`
	JWTKeyID          string        `koanf:"jwt_key_id"`
	JWTTTL            time.Duration `koanf:"jwt_ttl"`

	KafkaBrokers    string `koanf:"kafka_brokers"`
	KafkaSMSTopic   string `koanf:"kafka_sms_topic"`
	KafkaAlertTopic string `koanf:"kafka_alert_topic"`

	AttackScanInterval time.Duration `koanf:"attack_scan_interval"`
	SettingsFile       string        `koanf:"settings_file"`

	Log logging.Config `koanf:",squash"`

	// Settings are the operator knobs applied on top of twofa.DefaultConfig.
	Settings twofa.Settings `koanf:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() Process {
	return Process{
		ServerAddr:         ":8080",
		EmbeddedRedis:      true,
		JWTSigningMethod:   string(jwt.MethodHS256),
		JWTIssuer:          "twofa",
		JWTTTL:             12 * time.Hour,
		KafkaSMSTopic:      "twofa.sms",
		KafkaAlertTopic:    "twofa.admin-alerts",
		AttackScanInterval: time.Minute,
		Log:                logging.DefaultConfig(),
	}
}

// Load reads envPath (skipped when absent) and the environment.
func Load(envPath string) (Process, error) {
	k := koanf.New(".")

	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			fk := koanf.New(".")
			if err := fk.Load(file.Provider(envPath), dotenv.Parser()); err != nil {
				return Process{}, fmt.Errorf("load %s: %w", envPath, err)
			}
			for _, key := range fk.Keys() {
				name := normalizeKey(key)
				if name == "" {
					continue
				}
				if err := k.Set(name, fk.Get(key)); err != nil {
					return Process{}, fmt.Errorf("load %s: %w", envPath, err)
				}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", normalizeKey), nil); err != nil {
		return Process{}, fmt.Errorf("load environment: %w", err)
	}

	p := Default()
	if err := k.Unmarshal("", &p); err != nil {
		return Process{}, fmt.Errorf("decode configuration: %w", err)
	}

	if p.SettingsFile != "" {
		raw, err := file.Provider(p.SettingsFile).ReadBytes()
		if err != nil {
			return Process{}, fmt.Errorf("read settings file: %w", err)
		}
		if err := json.Unmarshal(raw, &p.Settings); err != nil {
			return Process{}, fmt.Errorf("decode settings file: %w", err)
		}
	}
	if err := k.Unmarshal("", &p.Settings); err != nil {
		return Process{}, fmt.Errorf("decode settings: %w", err)
	}

	return p, p.Validate()
}

func normalizeKey(key string) string {
	if !strings.HasPrefix(key, EnvPrefix) {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks the process-level settings. The engine configuration is
// validated separately by [Process.EngineConfig].
func (p Process) Validate() error {
	if p.ServerAddr == "" {
		return errors.New("server_addr must be set")
	}
	if p.RedisAddr == "" && !p.EmbeddedRedis {
		return errors.New("redis_addr must be set when embedded_redis is false")
	}
	if p.JWTTTL <= 0 {
		return errors.New("jwt_ttl must be > 0")
	}
	switch jwt.SigningMethod(p.JWTSigningMethod) {
	case jwt.MethodHS256:
		if len(p.JWTSecret) < 32 {
			return errors.New("jwt_secret must be at least 32 bytes for hs256")
		}
	case jwt.MethodEd25519:
		if p.JWTPublicKeyFile == "" {
			return errors.New("jwt_public_key_file must be set for ed25519")
		}
	default:
		return fmt.Errorf("unsupported jwt_signing_method %q", p.JWTSigningMethod)
	}
	if p.AttackScanInterval < 0 {
		return errors.New("attack_scan_interval must be >= 0")
	}
	return nil
}

// EngineConfig applies the operator settings to the default engine config.
func (p Process) EngineConfig() (twofa.Config, error) {
	cfg := twofa.DefaultConfig()
	p.Settings.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return twofa.Config{}, err
	}
	return cfg, nil
}

// Brokers splits KafkaBrokers on commas. Nil means Kafka is not configured.
func (p Process) Brokers() []string {
	var out []string
	for _, b := range strings.Split(p.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// JWTConfig builds the token manager configuration, reading key files.
func (p Process) JWTConfig() (jwt.Config, error) {
	cfg := jwt.Config{
		AccessTTL:     p.JWTTTL,
		SigningMethod: jwt.SigningMethod(p.JWTSigningMethod),
		Issuer:        p.JWTIssuer,
		Audience:      p.JWTAudience,
		KeyID:         p.JWTKeyID,
		Leeway:        30 * time.Second,
		RequireIAT:    true,
	}
	switch cfg.SigningMethod {
	case jwt.MethodHS256:
		cfg.PrivateKey = []byte(p.JWTSecret)
	case jwt.MethodEd25519:
		pub, err := file.Provider(p.JWTPublicKeyFile).ReadBytes()
		if err != nil {
			return jwt.Config{}, fmt.Errorf("read jwt public key: %w", err)
		}
		cfg.PublicKey = pub
		if p.JWTPrivateKeyFile != "" {
			priv, err := file.Provider(p.JWTPrivateKeyFile).ReadBytes()
			if err != nil {
				return jwt.Config{}, fmt.Errorf("read jwt private key: %w", err)
			}
			cfg.PrivateKey = priv
		}
	}
	return cfg, nil
}
