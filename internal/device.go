package internal

import "crypto/sha256"

// HashBindingValue hashes a client attribute (device fingerprint, user agent)
// so verification records never hold the raw value. Empty input hashes to the
// zero value, meaning "not presented".
func HashBindingValue(v string) [32]byte {
	if v == "" {
		return [32]byte{}
	}
	return sha256.Sum256([]byte(v))
}
