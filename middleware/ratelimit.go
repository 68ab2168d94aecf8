package middleware

import (
	"github.com/MrEthical07/twofa"
	"github.com/gofiber/fiber/v2"
)

// RateLimit counts one attempt of action per request, keyed by the
// authenticated identity (or none) and the client address.
func RateLimit(engine *twofa.Engine, action string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var identityID string
		if claims, ok := Claims(c); ok {
			identityID = claims.UID
		}
		if err := engine.TrackAttempt(c.UserContext(), identityID, action); err != nil {
			return WriteError(c, err)
		}
		return c.Next()
	}
}
