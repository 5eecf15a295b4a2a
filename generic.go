package oauth

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/streamplace/atproto-oauth-core/identity"
)

// ExtractDidFromToken reads the sub claim of a JWT access token without
// verifying it. Anything that is not a three segment JWT carrying a DID in
// sub yields "".
func ExtractDidFromToken(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return ""
	}

	var claims struct {
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}

	if !identity.IsValidDID(claims.Sub) {
		return ""
	}

	return claims.Sub
}
