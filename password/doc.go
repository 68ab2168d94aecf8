// Package password verifies account passwords with Argon2id.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Salt and hash are written as unpadded base64; padded segments are read
// too. The engine only verifies: disabling the second factor and
// regenerating recovery codes re-check the account password. Identity
// stores use [Argon2.Hash] when seeding accounts.
package password
