// Package roomid mints opaque room identifiers.
package roomid

import (
	"crypto/rand"
	"math/big"
)

// Alphabet is the Crockford-style symbol set room ids are drawn from.
// The letters I and O and the digits 0 and 1 are excluded.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length is the number of symbols in a generated room id.
const Length = 10

// New returns a 10-character room id sampled uniformly from Alphabet using a
// cryptographic RNG.
func New() (string, error) {
	n := big.NewInt(int64(len(Alphabet)))
	buf := make([]byte, Length)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		buf[i] = Alphabet[idx.Int64()]
	}
	return string(buf), nil
}

// NewUnique mints ids with New until the caller's taken check reports one
// as free, and returns that one. Callers that
// don't need collision avoidance (registries keyed by a space this large
// virtually never collide) can ignore this and call New directly.
func NewUnique(taken func(string) bool) (string, error) {
	for {
		id, err := New()
		if err != nil {
			return "", err
		}
		if !taken(id) {
			return id, nil
		}
	}
}
