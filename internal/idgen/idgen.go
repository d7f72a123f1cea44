// Package idgen mints record identifiers. Instances use UUIDs; everything
// else uses a short type prefix plus 24 random hex characters.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Record prefixes.
const (
	PrefixAccount      = "acct_"
	PrefixSubscription = "sub_"
	PrefixTransition   = "tr_"
	PrefixAPIKey       = "ak_"
)

const randomBytes = 12

// New generates a random (v4) UUID string. Instances are keyed by these.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s is a canonical UUID.
func Valid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// WithPrefix generates prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// HasPrefixedForm reports whether s could have come from WithPrefix(prefix).
func HasPrefixedForm(s, prefix string) bool {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok || len(rest) != 2*randomBytes {
		return false
	}
	for _, r := range rest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
