package dpop

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

// members in lexicographic order, which encoding/json preserves for structs
type thumbprintInput struct {
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of an EC public JWK.
func Thumbprint(key PublicJWK) string {
	b, _ := json.Marshal(thumbprintInput{
		Crv: key.Crv,
		Kty: key.Kty,
		X:   key.X,
		Y:   key.Y,
	})

	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
