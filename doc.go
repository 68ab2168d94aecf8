// Package twofa provides second-factor verification and session gating:
// TOTP enrollment, recovery codes, SMS codes, per-session verification
// records, fixed-window rate limiting and an escalating lockdown policy.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build]. All shared state lives in Redis, so every instance behind a
// load balancer reaches the same decision for the same identity.
//
// # Architecture boundaries
//
// twofa is the public surface. It exposes [Engine], [Builder], [Config], the
// [IdentityProvider] contract and value types (VerifyResult, GateResult,
// Lockdown, ...). Flow orchestration, Redis scripts, stores and audit dispatch
// live under internal/ and are never exported. HTTP adapters live in the
// middleware and httpapi packages.
//
// # Failure mode
//
// Every decision fails closed. When Redis or the identity provider cannot be
// reached the engine returns [ErrUnavailable] and the request is denied.
//
// # What this package must NOT do
//
//   - Store plaintext codes, secrets outside the identity provider, or raw
//     client fingerprints.
//   - Reveal which check rejected a code to clients; use [PublicKind].
//   - Import any sub-package that re-imports twofa.
package twofa
