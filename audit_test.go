package twofa

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type captureSink struct {
	events chan AuditEvent
}

func newCaptureSink(buffer int) *captureSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &captureSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *captureSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// collect drains up to max events or until nothing arrives for wait.
func (s *captureSink) collect(max int, wait time.Duration) []AuditEvent {
	out := make([]AuditEvent, 0, max)
	for len(out) < max {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		case <-time.After(wait):
			return out
		}
	}
	return out
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func auditTestConfig() Config {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 32
	cfg.Audit.DropIfFull = false
	return cfg
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = false

	sink := &countingSink{}
	env := newTestEnvWithSink(t, cfg, sink)

	_, _ = env.engine.Verify(clientCtx("203.0.113.1"), VerifyRequest{SessionID: "s1", IdentityID: "u2", Code: "000000"})
	time.Sleep(30 * time.Millisecond)

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
}

func TestAuditVerifyFailureCarriesFields(t *testing.T) {
	sink := newCaptureSink(8)
	env := newTestEnvWithSink(t, auditTestConfig(), sink)

	_, _ = env.engine.Verify(clientCtx("198.51.100.33"), VerifyRequest{SessionID: "s1", IdentityID: "u2", Code: wrongTOTP(env.totpNow(t))})

	events := sink.collect(4, 500*time.Millisecond)
	var found bool
	for _, ev := range events {
		if ev.EventType != auditEventVerifyFailure {
			continue
		}
		found = true
		if ev.IP != "198.51.100.33" || ev.IdentityID != "u2" || ev.SessionID != "s1" {
			t.Fatalf("unexpected event fields: %+v", ev)
		}
		if ev.Success || ev.Reason != string(KindInvalidCode) {
			t.Fatalf("unexpected outcome: %+v", ev)
		}
		if ev.Error != "" {
			t.Fatalf("code failures must not carry an error text: %q", ev.Error)
		}
	}
	if !found {
		t.Fatalf("expected verify_failure event, got %+v", events)
	}
}

func TestAuditLockdownSequence(t *testing.T) {
	sink := newCaptureSink(32)
	env := newTestEnvWithSink(t, auditTestConfig(), sink)
	ctx := clientCtx("10.0.0.1")

	for i := 0; i < 5; i++ {
		if _, err := env.engine.RecordFailure(ctx, "u2", PolicyVerification); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}

	seen := map[string]bool{}
	for _, ev := range sink.collect(8, 500*time.Millisecond) {
		seen[ev.EventType] = true
	}
	for _, want := range []string{auditEventCooldownStarted, auditEventLockdownTriggered, auditEventForcedLogout} {
		if !seen[want] {
			t.Fatalf("expected %s event, saw %v", want, seen)
		}
	}
}

func TestAuditStalledSinkDropsWithoutBlockingVerify(t *testing.T) {
	cfg := testConfig()
	cfg.Audit = AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}
	sink := newGateSink()
	env := newTestEnvWithSink(t, cfg, sink)
	defer close(sink.gate)

	ctx := clientCtx("10.0.0.1")
	start := time.Now()
	for i := 0; i < 4; i++ {
		_, _ = env.engine.Verify(ctx, VerifyRequest{SessionID: "s1", IdentityID: "u2", Code: wrongTOTP(env.totpNow(t))})
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("verify must not wait on a stalled audit sink")
	}
	if env.engine.AuditDropped() == 0 {
		t.Fatal("expected dropped audit events to be counted")
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	event := AuditEvent{
		Timestamp:  time.Now().UTC(),
		EventType:  auditEventVerifySuccess,
		IdentityID: "u1",
		IP:         "127.0.0.1",
		Success:    true,
	}
	sink.Emit(context.Background(), event)

	if !buf.Contains("verify_success") {
		t.Fatal("expected JSON log line to contain event type")
	}
	if !buf.Contains("\"identity_id\":\"u1\"") {
		t.Fatal("expected JSON log line to contain identity id")
	}
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	sink := newCaptureSink(32)
	env := newTestEnvWithSink(t, auditTestConfig(), sink)
	ctx := clientCtx("10.0.0.1")

	if _, err := env.engine.RequestSMSCode(ctx, "u2"); err != nil {
		t.Fatalf("RequestSMSCode failed: %v", err)
	}
	smsCode := smsCodeFrom(t, env.sms.last())
	codes, err := env.engine.RegenerateRecoveryCodes(ctx, "u2", testPassword)
	if err != nil {
		t.Fatalf("RegenerateRecoveryCodes failed: %v", err)
	}
	totpCode := env.totpNow(t)
	if _, err := env.engine.Verify(ctx, VerifyRequest{SessionID: "s1", IdentityID: "u2", Code: totpCode}); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	_ = env.engine.DisableTwoFactor(ctx, "u2", "wrong-"+testPassword)

	needles := append([]string{testPassword, smsCode, totpCode, rfcSecretSHA1, "+15551234567"}, codes...)

	events := sink.collect(16, 500*time.Millisecond)
	if len(events) == 0 {
		t.Fatal("expected at least one audit event")
	}
	for _, ev := range events {
		for _, needle := range needles {
			if strings.Contains(ev.Error, needle) {
				t.Fatalf("sensitive value leaked in audit error field: %q", needle)
			}
			for k, v := range ev.Metadata {
				if strings.Contains(k, needle) || strings.Contains(v, needle) {
					t.Fatalf("sensitive value leaked in audit metadata of %s: %q", ev.EventType, needle)
				}
			}
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Contains(v string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(string(b.buf), v)
}
