package middleware

import (
	"strings"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/jwt"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// DefaultCookieName is the session cookie read by [Authenticate].
const DefaultCookieName = "twofa_session"

// AuthConfig configures [Authenticate].
type AuthConfig struct {
	Tokens     *jwt.Manager
	Engine     *twofa.Engine
	CookieName string
	// Optional lets requests without a token through unauthenticated.
	// Invalid or revoked tokens are still rejected.
	Optional bool
	Logger   *zap.Logger
}

// Authenticate validates the session token from the cookie or the bearer
// header and stores its claims for [Claims].
func Authenticate(cfg AuthConfig) fiber.Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if cfg.Tokens == nil || cfg.Engine == nil {
			return WriteError(c, twofa.ErrEngineNotReady)
		}

		token := c.Cookies(cfg.CookieName)
		if token == "" {
			token, _ = bearerToken(c.Get(fiber.HeaderAuthorization))
		}
		if token == "" {
			if cfg.Optional {
				return c.Next()
			}
			return WriteError(c, twofa.ErrUnauthenticated)
		}

		claims, err := cfg.Tokens.ParseSession(token)
		if err != nil {
			cfg.Logger.Debug("session token rejected", zap.Error(err))
			return WriteError(c, twofa.ErrUnauthenticated)
		}

		revoked, err := cfg.Engine.IsSessionRevoked(c.UserContext(), claims.UID, claims.SID, claims.IssuedTime())
		if err != nil {
			return WriteError(c, err)
		}
		if revoked {
			c.ClearCookie(cfg.CookieName)
			return WriteError(c, twofa.ErrUnauthenticated)
		}

		setClaims(c, claims)
		return c.Next()
	}
}

// RequireClaims rejects requests that [Authenticate] let through without a
// token.
func RequireClaims() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := Claims(c); !ok {
			return WriteError(c, twofa.ErrUnauthenticated)
		}
		return c.Next()
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
