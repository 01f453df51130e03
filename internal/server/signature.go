package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignaturePrefix = "sha256="
)

// VerifySignature checks a GitHub X-Hub-Signature-256 header
// ("sha256=<hex>") against the payload.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}

	received, err := hex.DecodeString(strings.TrimPrefix(signature, SignaturePrefix))
	if err != nil {
		return false
	}

	return hmac.Equal(Sign(payload, secret), received)
}

// Sign returns the HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
