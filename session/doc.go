// Package session provides Redis-backed persistence for second-factor
// verification records and the revocation markers produced by force logout.
//
// # Binary encoding
//
// Records are stored as a compact versioned binary payload keyed by session
// ID. Fingerprint and user agent are stored as SHA-256 hashes.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Record] model. It
// does NOT decide whether a record is acceptable for a request (timeout and
// fingerprint policy belong to the Engine) and it does not parse access
// tokens.
//
// # What this package must NOT do
//
//   - Import twofa or jwt (no upward imports).
//   - Perform application-level authorization decisions.
//   - Store raw fingerprints, user agents or codes in [Record] fields.
package session
