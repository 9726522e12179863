package signature

import "crypto/hmac"

// Verify reports whether sig is the signature of body under secret.
// Consumers use it to authenticate incoming webhook calls.
func Verify(body []byte, secret, sig string) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}
