package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex returns the lowercase hex SHA-256 of parts joined by "\n".
func Sha256Hex(parts ...[]byte) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
