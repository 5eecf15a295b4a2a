package dpop

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CreateProof returns a DPoP proof JWT for one HTTP request. accessToken is
// optional; when set the proof carries its ath hash, as required for requests
// to resource servers.
func (s *Service) CreateProof(ctx context.Context, method, htu, accessToken string) (string, error) {
	return s.CreateProofWithNonce(ctx, method, htu, "", accessToken)
}

// CreateProofWithNonce is CreateProof with a server-provided nonce claim, used
// after a use_dpop_nonce challenge.
func (s *Service) CreateProofWithNonce(ctx context.Context, method, htu, nonce, accessToken string) (string, error) {
	kp, err := s.KeyPair(ctx)
	if err != nil {
		return "", &Error{Kind: KindSigning, Msg: "no key material available", Err: err}
	}

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": strings.ToUpper(method),
		"htu": normalizeHTU(htu),
		"iat": s.now().Unix(),
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	if accessToken != "" {
		claims["ath"] = HashAccessToken(accessToken)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["alg"] = "ES256"
	token.Header["jwk"] = kp.JWK

	signingInput, err := token.SigningString()
	if err != nil {
		return "", &Error{Kind: KindSigning, Msg: "failed to encode proof", Err: err}
	}

	sig, err := signES256(kp.PrivateKey, signingInput)
	if err != nil {
		return "", &Error{Kind: KindSigning, Msg: "failed to sign proof", Err: err}
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// HashAccessToken computes the ath claim: base64url(sha256(token)).
func HashAccessToken(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// htu carries no query or fragment (RFC 9449 section 4.2)
func normalizeHTU(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
