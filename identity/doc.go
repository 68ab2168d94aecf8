// Package identity provides [twofa.IdentityProvider] implementations: an
// in-process [MemoryStore] for tests and development, and a [PostgresStore]
// backed by pgx.
//
// Both stores make TOTP counter advances and recovery-code consumption
// compare-and-set operations, so concurrent submissions of the same code for
// the same identity have exactly one winner.
package identity
