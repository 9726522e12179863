// Package signature provides HMAC-SHA256 signing for webhook bodies.
//
// The signature is computed over the exact request body bytes and sent
// hex-encoded in the X-Signature header.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header is the HTTP header carrying the body signature.
const Header = "X-Signature"

// Sign returns hex(HMAC-SHA256(secret, body)).
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
