package twofa

import "context"

// ctxKey names the request attributes the engine reads from a context.
type ctxKey uint8

const (
	ctxClientIP ctxKey = iota
	ctxUserAgent
	ctxFingerprint
)

// WithClientIP attaches the caller's IP address to ctx. It keys the IP
// scoped rate limits, feeds the global failure ring used for coordinated
// attack detection and is recorded on audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxClientIP, ip)
}

// WithUserAgent attaches the HTTP User-Agent to ctx. Its hash is stored on
// the verification record.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, ctxUserAgent, userAgent)
}

// WithDeviceFingerprint attaches a client-computed device fingerprint to ctx.
// With fingerprint enforcement on, a verified session presented with a
// different fingerprint must verify again.
func WithDeviceFingerprint(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, ctxFingerprint, fingerprint)
}

func contextString(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

func clientIPFromContext(ctx context.Context) string    { return contextString(ctx, ctxClientIP) }
func userAgentFromContext(ctx context.Context) string   { return contextString(ctx, ctxUserAgent) }
func fingerprintFromContext(ctx context.Context) string { return contextString(ctx, ctxFingerprint) }
