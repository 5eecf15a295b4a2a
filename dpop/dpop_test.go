package dpop

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKeyStore struct {
	mu    sync.Mutex
	key   []byte
	saves int
}

func (m *memKeyStore) LoadKey(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key, nil
}

func (m *memKeyStore) SaveKey(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.key == nil {
		m.key = key
	}
	return m.key, nil
}

func TestDerToRaw(t *testing.T) {
	assert := assert.New(t)

	// r carries a sign-padding byte, s is one byte short
	der, err := hex.DecodeString("3044022100800102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f021f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	assert.NoError(err)

	raw, err := derToRaw(der, p256ScalarSize)
	assert.NoError(err)
	assert.Len(raw, 64)
	assert.Equal("800102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", hex.EncodeToString(raw))
}

func TestDerToRawRejectsMalformed(t *testing.T) {
	assert := assert.New(t)

	_, err := derToRaw([]byte{0x02, 0x01, 0x01}, p256ScalarSize)
	assert.Error(err)

	_, err = derToRaw([]byte{0x30, 0x03, 0x02, 0x01, 0x01}, p256ScalarSize)
	assert.Error(err)

	// 33 significant bytes in r
	long := append([]byte{0x30, 0x26, 0x02, 0x21}, make([]byte, 33)...)
	long[4] = 0x01
	long = append(long, 0x02, 0x01, 0x01)
	_, err = derToRaw(long, p256ScalarSize)
	assert.Error(err)
}

func TestThumbprintKnownVector(t *testing.T) {
	assert := assert.New(t)

	key := PublicJWK{
		Kty: "EC",
		Crv: "P-256",
		Alg: "ES256",
		Use: "sig",
		X:   "MKBCTNIcKUSDii11ySs3526iDZ8AiTo7Tu6KPAqv7D4",
		Y:   "4Etl6SRW2YilurN5ZHSBX2tNwXpj_dqUXbKVhAzM0_8",
	}

	assert.Equal("ao10XCCvYo5LdxPuq4fCQk_aHMS_DdwvPMYnB5KJ6FA", Thumbprint(key))
}

func TestThumbprintMatchesJwx(t *testing.T) {
	assert := assert.New(t)

	kp, err := GenerateKey()
	assert.NoError(err)

	pub, err := jwk.FromRaw(&kp.PrivateKey.PublicKey)
	assert.NoError(err)

	tp, err := pub.Thumbprint(crypto.SHA256)
	assert.NoError(err)

	assert.Equal(base64.RawURLEncoding.EncodeToString(tp), Thumbprint(kp.JWK))
}

func TestThumbprintMembers(t *testing.T) {
	kp, err := GenerateKey()
	require.NoError(t, err)

	base := kp.JWK
	want := Thumbprint(base)
	assert.Equal(t, want, Thumbprint(base))

	other, err := GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(k *PublicJWK)
		changes bool
	}{
		{"crv", func(k *PublicJWK) { k.Crv = "P-384" }, true},
		{"kty", func(k *PublicJWK) { k.Kty = "OKP" }, true},
		{"x", func(k *PublicJWK) { k.X = other.JWK.X }, true},
		{"y", func(k *PublicJWK) { k.Y = other.JWK.Y }, true},
		{"alg", func(k *PublicJWK) { k.Alg = "ES384" }, false},
		{"use", func(k *PublicJWK) { k.Use = "enc" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := base
			tt.mutate(&k)

			if tt.changes {
				assert.NotEqual(t, want, Thumbprint(k))
			} else {
				assert.Equal(t, want, Thumbprint(k))
			}
		})
	}
}

func TestCreateProof(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	kp, err := GenerateKey()
	require.NoError(t, err)

	svc := NewServiceWithKey(kp)
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }

	proof, err := svc.CreateProofWithNonce(ctx, "post", "https://pds.example.com/xrpc/app.bsky.actor.getProfile?actor=alice#frag", "nonce-1", "test-access-token")
	require.NoError(t, err)

	parts := strings.Split(proof, ".")
	assert.Len(parts, 3)

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	assert.NoError(err)
	assert.Len(sig, 64)

	parsed, err := jwt.Parse(proof, func(token *jwt.Token) (any, error) {
		return &kp.PrivateKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.True(parsed.Valid)

	assert.Equal("dpop+jwt", parsed.Header["typ"])
	assert.Equal("ES256", parsed.Header["alg"])

	hdrJwk, ok := parsed.Header["jwk"].(map[string]any)
	require.True(t, ok)
	assert.Equal("EC", hdrJwk["kty"])
	assert.Equal("P-256", hdrJwk["crv"])
	assert.Equal(kp.JWK.X, hdrJwk["x"])
	assert.Equal(kp.JWK.Y, hdrJwk["y"])
	assert.NotContains(hdrJwk, "d")

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal("POST", claims["htm"])
	assert.Equal("https://pds.example.com/xrpc/app.bsky.actor.getProfile", claims["htu"])
	assert.Equal("nonce-1", claims["nonce"])
	assert.Equal("WXSA1LYsphIZPxnnP-TMOtF_C_nPwWp8v0tQZBMcSAU", claims["ath"])
	assert.EqualValues(1700000000, claims["iat"])
	assert.NotEmpty(claims["jti"])
}

func TestCreateProofOmitsOptionalClaims(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc := NewService(nil, nil)

	proof, err := svc.CreateProof(ctx, "GET", "https://auth.example.com/oauth/token", "")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(proof, claims)
	require.NoError(t, err)

	assert.NotContains(claims, "ath")
	assert.NotContains(claims, "nonce")
}

func TestCreateProofUniqueJti(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc := NewService(nil, nil)
	seen := map[string]bool{}

	for range 20 {
		proof, err := svc.CreateProof(ctx, "POST", "https://auth.example.com/oauth/par", "")
		require.NoError(t, err)

		claims := jwt.MapClaims{}
		_, _, err = jwt.NewParser().ParseUnverified(proof, claims)
		require.NoError(t, err)

		jti := claims["jti"].(string)
		assert.False(seen[jti], "jti reused: %s", jti)
		seen[jti] = true
	}
}

func TestHashAccessToken(t *testing.T) {
	assert.Equal(t, "WXSA1LYsphIZPxnnP-TMOtF_C_nPwWp8v0tQZBMcSAU", HashAccessToken("test-access-token"))
}

func TestServicePersistsKey(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := &memKeyStore{}

	first := NewService(store, nil)
	tp1, err := first.JWKThumbprint(ctx)
	assert.NoError(err)
	assert.Equal(1, store.saves)

	second := NewService(store, nil)
	tp2, err := second.JWKThumbprint(ctx)
	assert.NoError(err)

	assert.Equal(tp1, tp2)
	assert.Equal(1, store.saves)
}

func TestExportKeyRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc := NewService(nil, nil)
	exported, err := svc.ExportKey(ctx)
	assert.NoError(err)

	restored, err := NewServiceFromJWK(exported)
	assert.NoError(err)

	a, _ := svc.JWKThumbprint(ctx)
	b, _ := restored.JWKThumbprint(ctx)
	assert.Equal(a, b)
}

func TestParseKeyInvalid(t *testing.T) {
	_, err := ParseKey([]byte(`{"kty":"oct","k":"AAAA"}`))
	assert.True(t, errors.Is(err, ErrInvalidKeyMaterial))

	_, err = ParseKey([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrInvalidKeyMaterial))
}
