// Package security builds the configuration posture report returned by
// twofa.Engine.SecurityReport and printed by the admin CLI.
package security
