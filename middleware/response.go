package middleware

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/MrEthical07/twofa"
	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"
)

// LoginPath is where unauthenticated browsers are sent.
const LoginPath = "/login"

// WantsJSON reports whether the client expects JSON rather than a redirect.
func WantsJSON(c *fiber.Ctx) bool {
	if strings.EqualFold(c.Get(fiber.HeaderXRequestedWith), "xmlhttprequest") {
		return true
	}
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		return true
	}
	return !strings.Contains(c.Get(fiber.HeaderAccept), fiber.MIMETextHTML)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind twofa.Kind) int {
	switch kind {
	case twofa.KindInvalidCode, twofa.KindExpiredCode, twofa.KindAlreadyUsed, twofa.KindNoRecoveryCodes:
		return fiber.StatusUnprocessableEntity
	case twofa.KindRateLimited:
		return fiber.StatusTooManyRequests
	case twofa.KindLockedDown:
		return fiber.StatusLocked
	case twofa.KindSessionExpired, twofa.KindSetupRequired, twofa.KindVerificationRequired,
		twofa.KindForbidden, twofa.KindInvalidPassword:
		return fiber.StatusForbidden
	case twofa.KindUnauthenticated:
		return fiber.StatusUnauthorized
	case twofa.KindInvalidRequest:
		return fiber.StatusBadRequest
	case twofa.KindNotFound:
		return fiber.StatusNotFound
	case twofa.KindUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// WriteError renders err as a JSON error body, or as a flash message and a
// redirect back for browsers. Code failure kinds are reported as
// invalid_code.
func WriteError(c *fiber.Ctx, err error) error {
	kind := twofa.PublicKind(twofa.KindOf(err))
	status := StatusFor(kind)
	body := fiber.Map{
		"success": false,
		"kind":    kind,
		"message": twofa.PublicMessage(kind),
	}

	var rl *twofa.RateLimitError
	if errors.As(err, &rl) {
		secs := retrySeconds(rl.RetryAfter.Seconds())
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
		body["retry_after"] = secs
	}
	var ld *twofa.LockdownError
	if errors.As(err, &ld) && ld.Lockdown != nil {
		body["tier"] = ld.Lockdown.Tier
		if ld.Lockdown.Tier == twofa.TierCooldown && !ld.Lockdown.Until.IsZero() {
			body["locked_until"] = ld.Lockdown.Until.UTC()
		}
		if ld.Lockdown.RequiresAdminUnlock {
			body["redirect"] = "/2fa/account-recovery"
		}
	}

	if WantsJSON(c) || status >= 500 {
		return c.Status(status).JSON(body)
	}
	back := c.Get(fiber.HeaderReferer)
	if back == "" {
		back = "/2fa/verify"
	}
	if redirect, ok := body["redirect"].(string); ok {
		back = redirect
	}
	if status == fiber.StatusUnauthorized {
		back = LoginPath
	}
	return flash.WithError(c, fiber.Map{
		"kind":    string(kind),
		"message": twofa.PublicMessage(kind),
	}).Redirect(back, fiber.StatusSeeOther)
}

// WriteSuccess renders a JSON success body, or a flash message and redirect
// for browsers.
func WriteSuccess(c *fiber.Ctx, status int, message, redirect string, data fiber.Map) error {
	if WantsJSON(c) || redirect == "" {
		body := fiber.Map{"success": true, "message": message}
		if redirect != "" {
			body["redirect"] = redirect
		}
		for k, v := range data {
			body[k] = v
		}
		return c.Status(status).JSON(body)
	}
	return flash.WithSuccess(c, fiber.Map{"message": message}).Redirect(redirect, fiber.StatusSeeOther)
}

func retrySeconds(s float64) int {
	if s <= 0 {
		return 1
	}
	return int(math.Ceil(s))
}
