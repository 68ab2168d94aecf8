// Package rate provides the Redis-backed fixed-window counters used to throttle
// second-factor actions (verification, recovery codes, SMS issuance, setup and
// emergency recovery).
//
// # Window semantics
//
// Each (action, key) pair owns one counter. The first hit in a window sets the
// expiry; the counter is discarded when the window elapses. Increment and check
// run as a single Lua script so concurrent attempts can never exceed the
// threshold. Key layout:
//
//   - arl:<action>:<identity>_<ip>
//
// # What this package must NOT do
//
//   - Decide what a limited request means for the caller (that is the engine's job).
//   - Be imported outside the twofa module.
package rate
