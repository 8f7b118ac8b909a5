// Package fingerprint reduces message content to a case-insensitive identity
// token for exact-repetition matching.
package fingerprint

import (
	"encoding/hex"
	"strings"

	"github.com/minio/sha256-simd"
)

const Size = sha256.Size

// Fingerprint is a comparable digest, usable directly as a map or struct key.
type Fingerprint [Size]byte

func Of(content string) Fingerprint {
	return Fingerprint(sha256.Sum256([]byte(strings.ToLower(content))))
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}
