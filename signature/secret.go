package signature

import (
	"crypto/rand"
	"encoding/hex"
)

// SecretPrefix marks generated webhook secrets.
const SecretPrefix = "whsec_"

// GenerateSecret creates a random signing secret: "whsec_" + 32 bytes hex.
func GenerateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("herald: failed to generate random secret: " + err.Error())
	}
	return SecretPrefix + hex.EncodeToString(b)
}
