package appointment

import (
	"crypto/rand"
	"fmt"
)

// Crockford base32 without I, L, O, U so codes survive being read out loud.
const bookingAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const bookingNoLength = 8

func newBookingNo() (string, error) {
	b := make([]byte, bookingNoLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate booking number: %w", err)
	}
	out := make([]byte, bookingNoLength)
	for i, v := range b {
		out[i] = bookingAlphabet[int(v)%len(bookingAlphabet)]
	}
	return "BK-" + string(out), nil
}
