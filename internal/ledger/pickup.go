// internal/ledger/pickup.go
package ledger

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	pickupAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	pickupCodeLength = 6

	// maxCodeAttempts bounds regeneration on collision.
	maxCodeAttempts = 8
)

// NewPickupCode draws a 6 character code from a secure random source.
func NewPickupCode() (string, error) {
	max := big.NewInt(int64(len(pickupAlphabet)))
	code := make([]byte, pickupCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		code[i] = pickupAlphabet[n.Int64()]
	}
	return string(code), nil
}
