package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the device-binding value for a device/account pair.
// The shared binding secret is mixed in so a fingerprint cannot be forged
// from public identifiers alone. The scheme is not versioned: rotating the
// binding secret invalidates every previously issued device-bound token.
func Fingerprint(deviceID, subjectID string, bindingSecret []byte) string {
	mac := hmac.New(sha256.New, bindingSecret)
	mac.Write([]byte(deviceID))
	mac.Write([]byte{0})
	mac.Write([]byte(subjectID))
	return hex.EncodeToString(mac.Sum(nil))
}

// fingerprintEqual compares two fingerprints in constant time.
func fingerprintEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
