package tracking

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// tokenAlphabet is the character set for tracking tokens. Uppercase
// alphanumerics keep the code readable over the phone.
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TokenLength is the fixed length of a tracking token.
const TokenLength = 8

// NewToken returns a random tracking token drawn uniformly per character.
// Uniqueness is enforced by the engine with a generate-and-retry check, not
// here.
func NewToken() string {
	b := make([]byte, TokenLength)
	for i := range b {
		b[i] = tokenAlphabet[rand.IntN(len(tokenAlphabet))]
	}
	return string(b)
}

// OrderID derives a human-readable order code from the instant t: the
// prefix TFN followed by the last six digits of the epoch-millis timestamp.
func OrderID(t time.Time) string {
	return fmt.Sprintf("TFN%06d", t.UnixMilli()%1_000_000)
}
