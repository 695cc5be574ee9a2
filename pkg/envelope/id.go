package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// NewID returns a fresh globally unique envelope id.
func NewID() string {
	return uuid.NewString()
}

// DeriveID deterministically derives a child id from a parent id and a
// qualifier using HKDF-SHA256. Identical inputs always yield the same id,
// which is what deterministic mode requires for adapter outputs that
// omit ids.
func DeriveID(parent, qualifier string) string {
	r := hkdf.New(sha256.New, []byte(parent), nil, []byte(qualifier))
	buf := make([]byte, 16)
	if _, err := io.ReadFull(r, buf); err != nil {
		// HKDF cannot fail for a 16-byte read; keep the fallback total anyway.
		sum := sha256.Sum256([]byte(parent + ":" + qualifier))
		return hex.EncodeToString(sum[:16])
	}
	return hex.EncodeToString(buf)
}
