package twofa

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/twofa/internal"
	"github.com/MrEthical07/twofa/internal/stores"
	"go.uber.org/zap"
)

// RequestSMSCode sends a one-time code to the phone number of identityID. A
// new request replaces any pending code. The code is only ever held as a
// hash.
func (e *Engine) RequestSMSCode(ctx context.Context, identityID string) (*SMSDispatch, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	identity, err := e.getIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if !identity.TwoFactorEnabled {
		return nil, ErrSetupRequired
	}
	if e.smsSender == nil || identity.PhoneNumber == "" {
		return nil, ErrSMSUnavailable
	}

	if err := e.trackAttempt(ctx, identityID, ActionSMSRequest); err != nil {
		return nil, err
	}
	if err := e.checkLockdown(ctx, identityID); err != nil {
		return nil, err
	}

	code, err := internal.NewOTP(e.config.SMS.CodeDigits)
	if err != nil {
		return nil, err
	}

	now := e.now()
	ttl := e.config.SMS.CodeTTL
	expiresAt := now.Add(ttl)
	record := &stores.SMSCode{
		IdentityID: identityID,
		CodeHash:   smsCodeHash(identityID, code),
		ExpiresAt:  expiresAt.UnixMilli(),
	}
	if err := e.smsCodes.Save(ctx, record, ttl); err != nil {
		return nil, e.unavailable("sms_code_save", err, zap.String("identity_id", identityID))
	}

	minutes := int(ttl / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	message := fmt.Sprintf(e.config.SMS.MessageTemplate, code, minutes)
	if err := e.smsSender.SendSMS(ctx, identity.PhoneNumber, message); err != nil {
		_ = e.smsCodes.Delete(ctx, identityID)
		e.metricInc(MetricSMSFailed)
		return nil, e.unavailable("sms_send", err, zap.String("identity_id", identityID))
	}

	masked := internal.MaskPhone(identity.PhoneNumber)
	e.metricInc(MetricSMSSent)
	e.emitAudit(ctx, auditEventSMSSent, true, identityID, "", nil, func() map[string]string {
		return map[string]string{"phone": masked}
	})

	return &SMSDispatch{MaskedPhone: masked, ExpiresAt: expiresAt}, nil
}

// consumeSMSCode checks a submitted SMS code. Unknown and wrong codes are
// both reported as ErrInvalidCode.
func (e *Engine) consumeSMSCode(ctx context.Context, identityID, code string, now time.Time) error {
	code = strings.TrimSpace(code)
	if len(code) != e.config.SMS.CodeDigits || !isNumericString(code) {
		return ErrInvalidCode
	}

	err := e.smsCodes.Consume(ctx, identityID, smsCodeHash(identityID, code), now)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrSMSCodeNotFound), errors.Is(err, stores.ErrSMSCodeMismatch):
		return ErrInvalidCode
	case errors.Is(err, stores.ErrSMSCodeExpired):
		return ErrExpiredCode
	case errors.Is(err, stores.ErrSMSCodeUsed):
		return ErrAlreadyUsed
	default:
		return e.unavailable("sms_code_consume", err, zap.String("identity_id", identityID))
	}
}

func smsCodeHash(identityID, code string) [32]byte {
	data := make([]byte, 0, len(identityID)+1+len(code))
	data = append(data, identityID...)
	data = append(data, 0)
	data = append(data, code...)
	return sha256.Sum256(data)
}
