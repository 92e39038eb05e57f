// Package idgen provides cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// CodeAlphabet excludes characters that are easy to misread (0, O, 1, I).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DealCodePrefix is prepended to every deal code.
const DealCodePrefix = "DP-"

// DealCodeLength is the number of random characters after the prefix.
const DealCodeLength = 4

// DealCode returns a fresh human-typable deal code such as "DP-7KQM".
func DealCode() string {
	return DealCodePrefix + randomString(CodeAlphabet, DealCodeLength)
}

// WithPrefix generates a random ID with a prefix (e.g. "ev_", "aud_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func randomString(alphabet string, n int) string {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out)
}
