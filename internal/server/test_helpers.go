package server

import "encoding/hex"

// MakeTestSignature builds the X-Hub-Signature-256 header for payload.
func MakeTestSignature(payload []byte, secret string) string {
	return SignaturePrefix + hex.EncodeToString(Sign(payload, secret))
}
