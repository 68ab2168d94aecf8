// Package flows contains pure-function orchestrators for the second-factor
// operations of the Engine.
//
// Each flow function (RunVerify, RunBeginSetup, RunConfirmSetup,
// RunRegenerateRecoveryCodes) accepts a typed dependency struct and returns
// results without side-effects beyond those dependencies. This keeps the
// Engine type thin and lets every branch be tested with stub dependencies.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the identity provider, rate limiter,
// lockdown policy, session verification store, audit dispatcher and metrics.
// They do NOT own any of these resources. Ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import twofa (to avoid import cycles).
//   - Perform I/O directly. All I/O is mediated through dependency functions.
package flows
