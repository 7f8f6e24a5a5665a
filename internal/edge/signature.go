package edge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks an edge webhook signature: hex(HMAC-SHA256(secret, body)).
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	sigBytes, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(Sign(body, secret), sigBytes)
}

// Sign returns the raw HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
