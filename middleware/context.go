package middleware

import (
	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/jwt"
	"github.com/gofiber/fiber/v2"
)

// FingerprintHeader carries the client-computed device fingerprint.
const FingerprintHeader = "X-Device-Fingerprint"

const claimsLocal = "twofa.claims"

// ClientContext attaches the client binding attributes to c.UserContext().
func ClientContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := twofa.WithClientIP(c.UserContext(), c.IP())
		ctx = twofa.WithUserAgent(ctx, c.Get(fiber.HeaderUserAgent))
		ctx = twofa.WithDeviceFingerprint(ctx, c.Get(FingerprintHeader))
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// Claims returns the session claims stored by [Authenticate].
func Claims(c *fiber.Ctx) (*jwt.SessionClaims, bool) {
	claims, ok := c.Locals(claimsLocal).(*jwt.SessionClaims)
	return claims, ok && claims != nil
}

func setClaims(c *fiber.Ctx, claims *jwt.SessionClaims) {
	c.Locals(claimsLocal, claims)
}
