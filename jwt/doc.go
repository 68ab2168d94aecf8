// Package jwt signs and verifies the session tokens that carry an identity
// and session id into the 2FA gate. The iat claim doubles as the reference
// point for per-identity revocation cutoffs.
package jwt
