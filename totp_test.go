package twofa

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// base32 of the RFC 6238 SHA1 seed "12345678901234567890".
const rfcSecretSHA1 = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestTOTPVerifyRFCVectorsSHA1(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Issuer: "twofa", Digits: 8, Period: 30})
	cases := []struct {
		ts      int64
		code    string
		counter int64
	}{
		{59, "94287082", 1},
		{1111111109, "07081804", 37037036},
		{1111111111, "14050471", 37037037},
		{1234567890, "89005924", 41152263},
		{2000000000, "69279037", 66666666},
		{20000000000, "65353130", 666666666},
	}

	for _, tc := range cases {
		ok, counter, err := m.VerifyCode(rfcSecretSHA1, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
		if counter != tc.counter {
			t.Fatalf("t=%d: expected counter %d, got %d", tc.ts, tc.counter, counter)
		}
	}
}

func TestTOTPSkewWindow(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Issuer: "twofa", Digits: 6, Period: 30, Skew: 1})
	now := time.Unix(1_700_000_000, 0)

	prev := totpCodeAt(t, rfcSecretSHA1, now.Add(-30*time.Second))
	ok, counter, err := m.VerifyCode(rfcSecretSHA1, prev, now)
	if err != nil || !ok {
		t.Fatalf("previous step should be accepted, ok=%v err=%v", ok, err)
	}
	if counter != now.Unix()/30-1 {
		t.Fatalf("expected previous counter, got %d", counter)
	}

	old := totpCodeAt(t, rfcSecretSHA1, now.Add(-90*time.Second))
	if old != prev {
		if ok, _, _ := m.VerifyCode(rfcSecretSHA1, old, now); ok {
			t.Fatal("code three steps old must be rejected")
		}
	}
}

func TestTOTPRejectsMalformedCodes(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Issuer: "twofa", Digits: 6, Period: 30, Skew: 1})
	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		if ok, _, err := m.VerifyCode(rfcSecretSHA1, code, time.Now()); ok || err != nil {
			t.Fatalf("code %q: expected plain rejection, ok=%v err=%v", code, ok, err)
		}
	}
	if _, _, err := m.VerifyCode("", "123456", time.Now()); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestTOTPGenerateSecretAndQR(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Issuer: "twofa", Digits: 6, Period: 30, Skew: 1, QRSize: 128})

	secret, uri, err := m.GenerateSecret("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if len(secret) != 32 {
		t.Fatalf("expected 32 base32 chars for a 20 byte secret, got %d", len(secret))
	}
	if !strings.HasPrefix(uri, "otpauth://totp/") || !strings.Contains(uri, "issuer=twofa") {
		t.Fatalf("unexpected uri %q", uri)
	}

	now := time.Now()
	ok, _, err := m.VerifyCode(secret, totpCodeAt(t, secret, now), now)
	if err != nil || !ok {
		t.Fatalf("fresh secret should verify its own code, ok=%v err=%v", ok, err)
	}

	png, err := m.RenderQR(uri)
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("expected PNG output")
	}
}

func totpCodeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}
