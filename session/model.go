package session

import "time"

// Record is the proof that a session passed its second factor. It is keyed by
// session ID and never holds raw client attributes, only their hashes.
type Record struct {
	SessionID  string
	IdentityID string
	Method     string

	// VerifiedAt is a Unix timestamp in milliseconds.
	VerifiedAt int64

	FingerprintHash [32]byte
	UserAgentHash   [32]byte
	IP              string
}

// VerifiedTime returns VerifiedAt as a time.Time.
func (r *Record) VerifiedTime() time.Time {
	return time.UnixMilli(r.VerifiedAt)
}

// IsExpired reports whether the record is stale at now. A record verified at T
// is valid strictly before T+timeout.
func (r *Record) IsExpired(now time.Time, timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return !now.Before(r.VerifiedTime().Add(timeout))
}
