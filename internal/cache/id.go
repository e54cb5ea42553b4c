package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeriveID returns the record id for a question. It is a pure function of the
// exact question text: the first 16 bytes of its SHA-256, hex encoded.
func DeriveID(question string) string {
	sum := sha256.Sum256([]byte(question))
	return hex.EncodeToString(sum[:16])
}
