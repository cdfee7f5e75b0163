package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewK1 returns a random 32 byte correlation token, hex encoded.
func NewK1() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// PPM returns amount*ppm/1e6 rounded down.
func PPM(amount, ppm int64) int64 {
	return amount * ppm / 1_000_000
}

func MaxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// FeeReserve is the Lightning routing fee locked on top of amount: the larger
// of limitSat and ppm of amount.
func FeeReserve(amount, limitSat, ppm int64) int64 {
	return MaxInt64(limitSat, PPM(amount, ppm))
}
