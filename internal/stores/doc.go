// Package stores provides Redis-backed, short-lived record stores for the
// second-factor flows: pending SMS codes, pending enrollment secrets and
// emergency recovery requests.
//
// # Design
//
// SMS codes are persisted as versioned, binary-encoded records with a TTL.
// Consume uses WATCH/MULTI optimistic transactions with automatic retry on
// contention, so a code is accepted at most once. Only code hashes are
// stored and they are compared in constant time.
//
// Emergency requests are JSON documents indexed by submission time in a
// sorted set; entries whose document has expired are pruned lazily on List.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient
// challenge records. It does NOT generate codes, enforce rate limits, or make
// verification decisions. Those belong to the flow functions in
// internal/flows.
//
// # What this package must NOT do
//
//   - Import twofa or any sibling internal package.
//   - Log or expose plaintext codes or secrets.
//   - Use non-constant-time comparisons for secret matching.
package stores
