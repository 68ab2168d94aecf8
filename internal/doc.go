// Package internal contains helper utilities that are intentionally private to
// twofa, including secure code generation and client binding helpers.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: pure-function orchestrators for the second-factor operations
//   - limiters: failure escalation (cooldown, lockdown, global failure ring)
//   - logging: zap logger construction with lumberjack rotation
//   - rate: fixed-window Redis rate limiter
//   - security: configuration posture checks
//   - settings: koanf-based process configuration
//   - stores: short-lived Redis record stores
//
// # What this package must NOT do
//
//   - Export types that appear in the public twofa API.
//   - Be imported by any package outside the twofa module.
package internal
