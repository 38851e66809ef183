package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Webhook payloads are authenticated with an HMAC-SHA256 over the exact raw
// body bytes, keyed by a provider-specific shared secret. The signature
// header carries "sha256=<hex digest>" (GitHub's format; first-party
// providers use the same scheme).

const signaturePrefix = "sha256="

// Sign computes the signature header value for a body. Used by tests and by
// first-party callers of the manual webhook.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the header against the body in constant time.
// An empty or malformed header never verifies.
func VerifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
