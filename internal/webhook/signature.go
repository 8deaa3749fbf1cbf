package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// verifySignature checks an HMAC-SHA256 signature over the raw body in
// constant time. The header value is "sha256=<hex>"; a bare hex digest is
// accepted too. The body is signed exactly as received, no normalization.
func verifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return true
	}
	provided := strings.TrimPrefix(header, "sha256=")
	if provided == "" {
		return false
	}

	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}

// signBody computes the signature header value for a body. Used by tests
// and by outbound replay tooling.
func signBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
