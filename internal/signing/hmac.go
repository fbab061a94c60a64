package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrSignatureInvalid reports a MAC that does not match the recomputed one.
var ErrSignatureInvalid = errors.New("signing: signature mismatch")

// Secret is the merchant secret shared with the gateway.
type Secret []byte

// String keeps the secret out of formatted output.
func (Secret) String() string { return "[redacted]" }

// GoString keeps the secret out of %#v output.
func (Secret) GoString() string { return "signing.Secret([redacted])" }

// MarshalText keeps the secret out of encoded output.
func (Secret) MarshalText() ([]byte, error) { return []byte("[redacted]"), nil }

// Sign returns the lowercase hex HMAC-SHA256 of canonical keyed by secret.
func Sign(canonical string, secret Secret) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the MAC of canonical and compares it with candidate in
// constant time. Empty, malformed or wrongly sized candidates yield false.
func Verify(candidate, canonical string, secret Secret) bool {
	candidate = strings.ToLower(candidate)
	if candidate == "" || len(candidate) != hex.EncodedLen(sha256.Size) {
		return false
	}
	provided, err := hex.DecodeString(candidate)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hmac.Equal(mac.Sum(nil), provided)
}
