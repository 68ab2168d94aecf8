package twofa

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/twofa/internal"
	"github.com/MrEthical07/twofa/internal/stores"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	maxEmergencyReasonLen  = 500
	maxEmergencyContactLen = 255
)

// RequestEmergencyRecovery files a request for administrators to restore
// access to an identity that lost every second factor. The request is kept
// for Emergency.RequestTTL. IP and UserAgent are taken from ctx when unset.
//
// Attempts count against the client address alone as well as against the
// identity and address. An unknown identity gets the same result as a known
// one, with a request ID that is never stored, so callers cannot tell which
// accounts exist.
func (e *Engine) RequestEmergencyRecovery(ctx context.Context, req EmergencyRequest) (*EmergencyRequest, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	req.Reason = strings.TrimSpace(req.Reason)
	req.Contact = strings.TrimSpace(req.Contact)
	req.ContactMethod = strings.ToLower(strings.TrimSpace(req.ContactMethod))
	if req.IdentityID == "" || req.Reason == "" || req.Contact == "" ||
		len(req.Reason) > maxEmergencyReasonLen || len(req.Contact) > maxEmergencyContactLen {
		return nil, ErrEmergencyRequestInvalid
	}
	if req.ContactMethod != "email" && req.ContactMethod != "phone" {
		return nil, ErrEmergencyRequestInvalid
	}

	if err := e.trackAddressAttempt(ctx, ActionEmergencyRecovery); err != nil {
		return nil, err
	}
	if err := e.trackAttempt(ctx, req.IdentityID, ActionEmergencyRecovery); err != nil {
		return nil, err
	}
	now := e.now()
	identity, err := e.getIdentity(ctx, req.IdentityID)
	if errors.Is(err, ErrIdentityNotFound) {
		e.logger.Info("emergency recovery for unknown identity",
			zap.String("identity_id", req.IdentityID),
			zap.String("ip", clientIPFromContext(ctx)),
		)
		return &EmergencyRequest{
			ID:            ulid.Make().String(),
			IdentityID:    req.IdentityID,
			ContactMethod: req.ContactMethod,
			RequestedAt:   now,
			Status:        EmergencyPending,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if req.IP == "" {
		req.IP = clientIPFromContext(ctx)
	}
	if req.UserAgent == "" {
		req.UserAgent = userAgentFromContext(ctx)
	}
	record := &stores.EmergencyRequest{
		ID:            ulid.Make().String(),
		IdentityID:    identity.ID,
		Reason:        req.Reason,
		ContactMethod: req.ContactMethod,
		Contact:       req.Contact,
		IP:            req.IP,
		UserAgent:     req.UserAgent,
		RequestedAt:   now.Unix(),
		Status:        string(EmergencyPending),
	}
	if err := e.emergencies.Save(ctx, record, e.config.Emergency.RequestTTL); err != nil {
		return nil, e.unavailable("emergency_save", err, zap.String("identity_id", identity.ID))
	}

	e.metricInc(MetricEmergencyRequested)
	e.logger.Warn("emergency recovery requested",
		zap.String("identity_id", identity.ID),
		zap.String("request_id", record.ID),
		zap.String("contact_method", record.ContactMethod),
	)
	e.emitAudit(ctx, auditEventEmergencyRequested, true, identity.ID, "", nil, func() map[string]string {
		return map[string]string{
			"request_id":     record.ID,
			"contact_method": record.ContactMethod,
			"contact":        maskContact(record.ContactMethod, record.Contact),
		}
	})
	e.notifyAdmins(ctx, AdminAlert{
		Kind:       AlertEmergencyRecovery,
		IdentityID: identity.ID,
		Subject:    "Emergency second-factor recovery requested",
		Message:    record.Reason,
		Fields: map[string]string{
			"request_id":     record.ID,
			"email":          identity.Email,
			"contact_method": record.ContactMethod,
			"contact":        record.Contact,
			"ip":             record.IP,
		},
		At: now,
	})

	out := emergencyFromRecord(*record)
	return &out, nil
}

// ListEmergencyRequests returns the live requests filed after since, newest
// first.
func (e *Engine) ListEmergencyRequests(ctx context.Context, since time.Time) ([]EmergencyRequest, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	records, err := e.emergencies.List(ctx, since)
	if err != nil {
		return nil, e.unavailable("emergency_list", err)
	}
	out := make([]EmergencyRequest, 0, len(records))
	for _, r := range records {
		out = append(out, emergencyFromRecord(r))
	}
	return out, nil
}

// ResolveEmergencyRequest approves or denies a pending request. Approval
// unlocks the identity, removes its second factor and logs out every session
// so the owner signs in again and re-enrolls. Denial is charged to the
// emergency_recovery escalation policy.
func (e *Engine) ResolveEmergencyRequest(ctx context.Context, requestID, adminID string, approve bool) (*EmergencyRequest, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if requestID == "" {
		return nil, ErrEmergencyRequestNotFound
	}

	record, err := e.emergencies.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, stores.ErrEmergencyRequestNotFound) {
			return nil, ErrEmergencyRequestNotFound
		}
		return nil, e.unavailable("emergency_get", err)
	}
	if record.Status != string(EmergencyPending) {
		return nil, ErrEmergencyRequestResolved
	}

	status := EmergencyDenied
	if approve {
		status = EmergencyApproved
	}
	record.Status = string(status)
	record.ResolvedBy = adminID
	record.ResolvedAt = e.now().Unix()
	if err := e.emergencies.Update(ctx, record); err != nil {
		if errors.Is(err, stores.ErrEmergencyRequestNotFound) {
			return nil, ErrEmergencyRequestNotFound
		}
		return nil, e.unavailable("emergency_update", err)
	}

	if approve {
		if _, err := e.Unlock(ctx, record.IdentityID, adminID); err != nil && !errors.Is(err, ErrLockdownNotFound) {
			return nil, err
		}
		if err := e.disableTwoFactor(ctx, record.IdentityID, "emergency_recovery"); err != nil {
			return nil, err
		}
		if _, err := e.ForceLogout(ctx, record.IdentityID, "emergency_recovery"); err != nil {
			return nil, err
		}
	} else {
		if _, err := e.RecordFailure(ctx, record.IdentityID, PolicyEmergencyRecovery); err != nil {
			return nil, err
		}
	}

	e.metricInc(MetricEmergencyResolved)
	e.logger.Info("emergency recovery resolved",
		zap.String("request_id", record.ID),
		zap.String("identity_id", record.IdentityID),
		zap.String("admin_id", adminID),
		zap.String("status", record.Status),
	)
	e.emitAudit(ctx, auditEventEmergencyResolved, approve, record.IdentityID, "", nil, func() map[string]string {
		return map[string]string{
			"request_id": record.ID,
			"admin_id":   adminID,
			"status":     record.Status,
		}
	})

	out := emergencyFromRecord(*record)
	return &out, nil
}

func emergencyFromRecord(r stores.EmergencyRequest) EmergencyRequest {
	out := EmergencyRequest{
		ID:            r.ID,
		IdentityID:    r.IdentityID,
		Reason:        r.Reason,
		ContactMethod: r.ContactMethod,
		Contact:       r.Contact,
		IP:            r.IP,
		UserAgent:     r.UserAgent,
		RequestedAt:   time.Unix(r.RequestedAt, 0).UTC(),
		Status:        EmergencyStatus(r.Status),
		ResolvedBy:    r.ResolvedBy,
	}
	if r.ResolvedAt > 0 {
		out.ResolvedAt = time.Unix(r.ResolvedAt, 0).UTC()
	}
	return out
}

// maskContact hides most of an emergency contact in audit metadata.
func maskContact(method, contact string) string {
	if method == "phone" {
		return internal.MaskPhone(contact)
	}
	local, domain, ok := strings.Cut(contact, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
