package internal

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// NewOTP returns a uniformly random numeric code of 6 to 10 digits,
// zero padded so every code has exactly digits characters.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", fmt.Errorf("otp length %d outside [6, 10]", digits)
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// MaskPhone keeps the last four digits of a phone number.
func MaskPhone(phone string) string {
	digits := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if phone[i] >= '0' && phone[i] <= '9' {
			digits = append(digits, phone[i])
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}
