package middleware

import (
	"github.com/MrEthical07/twofa"
	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"
	"go.uber.org/zap"
)

// Gate enforces the second factor. Requests without claims are evaluated as
// anonymous, which the engine lets through.
func Gate(engine *twofa.Engine, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if engine == nil {
			return WriteError(c, twofa.ErrEngineNotReady)
		}

		req := twofa.GateRequest{Path: c.Path()}
		if claims, ok := Claims(c); ok {
			req.IdentityID = claims.UID
			req.SessionID = claims.SID
		}

		res, err := engine.Evaluate(c.UserContext(), req)
		if err != nil {
			logger.Warn("gate evaluation failed", zap.String("path", req.Path), zap.Error(err))
			return WriteError(c, err)
		}

		switch res.Decision {
		case twofa.GatePass:
			return c.Next()
		case twofa.GateLockedDown:
			return WriteError(c, &twofa.LockdownError{Lockdown: res.Lockdown})
		default:
			return denyToSetupOrVerify(c, res)
		}
	}
}

func denyToSetupOrVerify(c *fiber.Ctx, res *twofa.GateResult) error {
	kind := res.Reason
	if kind == "" {
		kind = twofa.KindVerificationRequired
	}
	if WantsJSON(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success":  false,
			"required": true,
			"kind":     kind,
			"message":  twofa.PublicMessage(kind),
			"redirect": res.Redirect,
		})
	}
	return flash.WithError(c, fiber.Map{
		"kind":    string(kind),
		"message": twofa.PublicMessage(kind),
		"next":    c.OriginalURL(),
	}).Redirect(res.Redirect, fiber.StatusFound)
}
