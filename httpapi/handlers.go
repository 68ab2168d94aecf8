package httpapi

import (
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/middleware"
	"github.com/gofiber/fiber/v2"
)

type codeRequest struct {
	Code string `json:"code" form:"code"`
	Type string `json:"type" form:"type"`
	Next string `json:"next" form:"next"`
}

type passwordRequest struct {
	Password string `json:"password" form:"password"`
}

type emergencyRequest struct {
	IdentityID    string `json:"identity_id" form:"identity_id"`
	Reason        string `json:"reason" form:"reason"`
	ContactMethod string `json:"contact_method" form:"contact_method"`
	Contact       string `json:"contact" form:"contact"`
}

func (h *handlers) status(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	st, err := h.engine.Status(c.UserContext(), claims.SID, claims.UID)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(statusBody(st))
}

func (h *handlers) beginSetup(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	ch, err := h.engine.BeginSetup(c.UserContext(), claims.UID)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"secret":     ch.Secret,
		"uri":        ch.URI,
		"qr_png":     base64.StdEncoding.EncodeToString(ch.QRPNG),
		"expires_at": ch.ExpiresAt.UTC(),
	})
}

func (h *handlers) setupQR(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	png, err := h.engine.PendingSetupQR(c.UserContext(), claims.UID)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Type("png")
	return c.Send(png)
}

func (h *handlers) enable(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	var req codeRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.WriteError(c, twofa.ErrInvalidCode)
	}
	codes, err := h.engine.ConfirmSetup(c.UserContext(), claims.SID, claims.UID, req.Code)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":        true,
		"message":        "Two-factor authentication enabled. Store these recovery codes somewhere safe.",
		"recovery_codes": codes,
		"redirect":       h.homePath,
	})
}

func (h *handlers) verifyPrompt(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	st, err := h.engine.Status(c.UserContext(), claims.SID, claims.UID)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	methods := []twofa.Method{}
	if st.Enabled {
		methods = append(methods, twofa.MethodTOTP)
		if st.SMSAvailable {
			methods = append(methods, twofa.MethodSMS)
		}
		if st.HasRecoveryCodes {
			methods = append(methods, twofa.MethodRecoveryCode)
		}
	}
	body := statusBody(st)
	body["methods"] = methods
	return c.JSON(body)
}

func (h *handlers) verify(c *fiber.Ctx) error {
	var req codeRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.WriteError(c, twofa.ErrInvalidCode)
	}
	method, ok := twofa.ParseMethod(strings.ToLower(strings.TrimSpace(req.Type)))
	if !ok {
		return middleware.WriteError(c, twofa.ErrInvalidMethod)
	}
	return h.submitCode(c, method, req)
}

func (h *handlers) recovery(c *fiber.Ctx) error {
	var req codeRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.WriteError(c, twofa.ErrInvalidCode)
	}
	return h.submitCode(c, twofa.MethodRecoveryCode, req)
}

func (h *handlers) submitCode(c *fiber.Ctx, method twofa.Method, req codeRequest) error {
	claims, _ := middleware.Claims(c)
	res, err := h.engine.Verify(c.UserContext(), twofa.VerifyRequest{
		SessionID:  claims.SID,
		IdentityID: claims.UID,
		Method:     method,
		Code:       req.Code,
	})
	if err != nil {
		return middleware.WriteError(c, err)
	}

	data := fiber.Map{
		"method":      res.Method,
		"verified_at": res.VerifiedAt.UTC(),
	}
	message := "Verification successful."
	if res.Method == twofa.MethodRecoveryCode {
		data["recovery_codes_remaining"] = res.RecoveryCodesRemaining
		data["low_recovery_codes"] = res.LowRecoveryCodes
		data["needs_reenrollment"] = res.NeedsReenrollment
		switch {
		case res.NeedsReenrollment:
			message = "You used your last recovery code. Generate new codes now."
		case res.LowRecoveryCodes:
			message = "Verification successful. You are running low on recovery codes."
		}
	}
	return middleware.WriteSuccess(c, fiber.StatusOK, message, h.nextPath(req.Next), data)
}

func (h *handlers) sendSMS(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	d, err := h.engine.RequestSMSCode(c.UserContext(), claims.UID)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":      true,
		"message":      "A verification code was sent to " + d.MaskedPhone + ".",
		"masked_phone": d.MaskedPhone,
		"expires_at":   d.ExpiresAt.UTC(),
	})
}

func (h *handlers) recoveryPrompt(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	n, err := h.engine.RecoveryCodesRemaining(c.UserContext(), claims.UID)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "recovery_codes_remaining": n})
}

func (h *handlers) regenerateCodes(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	if err := h.requireVerified(c); err != nil {
		return middleware.WriteError(c, err)
	}
	var req passwordRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.WriteError(c, twofa.ErrInvalidPassword)
	}
	codes, err := h.engine.RegenerateRecoveryCodes(c.UserContext(), claims.UID, req.Password)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":        true,
		"message":        "New recovery codes generated. Previous codes no longer work.",
		"recovery_codes": codes,
	})
}

func (h *handlers) disable(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	if err := h.requireVerified(c); err != nil {
		return middleware.WriteError(c, err)
	}
	var req passwordRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.WriteError(c, twofa.ErrInvalidPassword)
	}
	if err := h.engine.DisableTwoFactor(c.UserContext(), claims.UID, req.Password); err != nil {
		return middleware.WriteError(c, err)
	}
	return middleware.WriteSuccess(c, fiber.StatusOK, "Two-factor authentication disabled.", h.homePath, nil)
}

func (h *handlers) accountRecovery(c *fiber.Ctx) error {
	body := fiber.Map{
		"success": true,
		"guidance": []string{
			"Use one of your recovery codes at /2fa/recovery.",
			"Request an SMS code if a phone number is on file.",
			"If every factor is lost, submit an emergency recovery request for administrator review.",
		},
	}
	claims, ok := middleware.Claims(c)
	if !ok {
		return c.JSON(body)
	}
	ld, err := h.engine.LockdownStatus(c.UserContext(), claims.UID)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	body["locked"] = ld != nil
	if ld != nil {
		body["tier"] = ld.Tier
		body["requires_admin_unlock"] = ld.RequiresAdminUnlock
		if ld.Tier == twofa.TierCooldown {
			body["locked_until"] = ld.Until.UTC()
		} else {
			body["message"] = twofa.PublicMessage(twofa.KindLockedDown)
		}
	}
	return c.JSON(body)
}

func (h *handlers) emergencyRecovery(c *fiber.Ctx) error {
	var req emergencyRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.WriteError(c, twofa.ErrEmergencyRequestInvalid)
	}
	if claims, ok := middleware.Claims(c); ok {
		req.IdentityID = claims.UID
	}
	out, err := h.engine.RequestEmergencyRecovery(c.UserContext(), twofa.EmergencyRequest{
		IdentityID:    req.IdentityID,
		Reason:        req.Reason,
		ContactMethod: req.ContactMethod,
		Contact:       req.Contact,
	})
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success":    true,
		"message":    "Your request was submitted. An administrator will contact you.",
		"request_id": out.ID,
	})
}

// requireVerified rejects sensitive changes from a session that has an
// enrolled factor but has not verified it.
func (h *handlers) requireVerified(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	st, err := h.engine.Status(c.UserContext(), claims.SID, claims.UID)
	if err != nil {
		return err
	}
	if st.Enabled && !st.Verified {
		return twofa.ErrVerificationRequired
	}
	return nil
}

// nextPath accepts only same-origin absolute paths. Browsers treat a
// backslash like a slash, so "/\host" is as off-site as "//host".
func (h *handlers) nextPath(next string) string {
	if !strings.HasPrefix(next, "/") || strings.ContainsAny(next, "\\\t\r\n") {
		return h.homePath
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" || strings.HasPrefix(u.Path, "//") {
		return h.homePath
	}
	return next
}

func statusBody(st *twofa.Status) fiber.Map {
	body := fiber.Map{
		"success":                  true,
		"enabled":                  st.Enabled,
		"required":                 st.Required,
		"verified":                 st.Verified,
		"has_recovery_codes":       st.HasRecoveryCodes,
		"recovery_codes_remaining": st.RecoveryCodesRemaining,
		"sms_available":            st.SMSAvailable,
		"locked":                   st.Lockdown != nil,
	}
	if st.Verified {
		body["verified_at"] = st.VerifiedAt.UTC().Format(time.RFC3339)
		body["method"] = st.Method
	}
	return body
}
