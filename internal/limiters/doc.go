// Package limiters holds the failure accounting behind cooldowns and
// lockdowns.
//
//   - [LockoutLimiter] keeps a decaying failure score per identity and
//     escalates through cooldowns to an administrative lockdown.
//   - [GlobalFailureRing] records failures across all identities so that
//     one address failing against many identities can be reported.
//
// Thresholds come from the Config structs supplied at construction. This
// package counts and escalates; callers decide what a lockdown means.
package limiters
