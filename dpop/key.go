package dpop

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeyStore persists the deployment's DPoP private key. LoadKey returns nil
// bytes and a nil error when nothing has been stored yet. SaveKey stores the
// key unless one already exists and returns whichever key is persisted after
// the call, so concurrent first-time generation converges on one key.
type KeyStore interface {
	LoadKey(ctx context.Context) ([]byte, error)
	SaveKey(ctx context.Context, key []byte) ([]byte, error)
}

// PublicJWK is the public half of the signing key as published in DPoP proof
// headers and in the client metadata jwks.
type PublicJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	JWK        PublicJWK
}

// GenerateKey creates a fresh ES256 keypair.
func GenerateKey() (*KeyPair, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &Error{Kind: KindSigning, Msg: "failed to generate EC keypair", Err: err}
	}

	return newKeyPair(privKey)
}

// ParseKey loads a keypair from a private JWK as produced by MarshalPrivateJWK.
func ParseKey(b []byte) (*KeyPair, error) {
	key, err := jwk.ParseKey(b)
	if err != nil {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: "could not parse private jwk", Err: err}
	}

	var privKey ecdsa.PrivateKey
	if err := key.Raw(&privKey); err != nil {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: "jwk is not an EC private key", Err: err}
	}

	return newKeyPair(&privKey)
}

func newKeyPair(privKey *ecdsa.PrivateKey) (*KeyPair, error) {
	if privKey.Curve != elliptic.P256() {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: "key is not on curve P-256"}
	}

	pub, err := privKey.PublicKey.ECDH()
	if err != nil {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: "invalid public key", Err: err}
	}

	// uncompressed point: 0x04 || X || Y, 32 bytes each
	point := pub.Bytes()
	if len(point) != 1+2*p256ScalarSize {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: fmt.Sprintf("unexpected point length %d", len(point))}
	}

	return &KeyPair{
		PrivateKey: privKey,
		JWK: PublicJWK{
			Kty: "EC",
			Crv: "P-256",
			Alg: "ES256",
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(point[1 : 1+p256ScalarSize]),
			Y:   base64.RawURLEncoding.EncodeToString(point[1+p256ScalarSize:]),
		},
	}, nil
}

// MarshalPrivateJWK serializes the private key as a JWK. The output contains
// the private scalar and must only be handed to trusted storage.
func (kp *KeyPair) MarshalPrivateJWK() ([]byte, error) {
	key, err := jwk.FromRaw(kp.PrivateKey)
	if err != nil {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: "failed to create JWK from private key", Err: err}
	}

	if err := key.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, fmt.Errorf("failed to set algorithm: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set key usage: %w", err)
	}

	return json.Marshal(key)
}

// Service owns the single active signing key of a deployment and produces
// DPoP proofs with it. It is safe for concurrent use.
type Service struct {
	store  KeyStore
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	key *KeyPair
}

// NewService returns a Service that lazily loads its key from store, or
// generates and persists one on first use. store may be nil, in which case
// the key lives only as long as the process.
func NewService(store KeyStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:  store,
		logger: logger.With("component", "dpop"),
		now:    time.Now,
	}
}

// NewServiceWithKey returns a Service bound to an existing keypair.
func NewServiceWithKey(kp *KeyPair) *Service {
	s := NewService(nil, nil)
	s.key = kp
	return s
}

// NewServiceFromJWK returns a Service bound to a stored private JWK.
func NewServiceFromJWK(b []byte) (*Service, error) {
	kp, err := ParseKey(b)
	if err != nil {
		return nil, err
	}

	return NewServiceWithKey(kp), nil
}

// KeyPair returns the active keypair, loading or generating it on first call.
func (s *Service) KeyPair(ctx context.Context) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		return s.key, nil
	}

	if s.store == nil {
		kp, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		s.key = kp
		s.logger.Info("generated ephemeral dpop keypair", "jkt", Thumbprint(kp.JWK))
		return kp, nil
	}

	stored, err := s.store.LoadKey(ctx)
	if err != nil {
		return nil, &Error{Kind: KindSigning, Msg: "failed to load dpop key", Err: err}
	}

	if stored == nil {
		kp, err := GenerateKey()
		if err != nil {
			return nil, err
		}

		b, err := kp.MarshalPrivateJWK()
		if err != nil {
			return nil, err
		}

		stored, err = s.store.SaveKey(ctx, b)
		if err != nil {
			return nil, &Error{Kind: KindSigning, Msg: "failed to persist dpop key", Err: err}
		}

		s.logger.Info("generated dpop keypair")
	}

	kp, err := ParseKey(stored)
	if err != nil {
		return nil, err
	}

	s.key = kp
	return kp, nil
}

func (s *Service) PublicJWK(ctx context.Context) (PublicJWK, error) {
	kp, err := s.KeyPair(ctx)
	if err != nil {
		return PublicJWK{}, err
	}

	return kp.JWK, nil
}

// JWKThumbprint returns the RFC 7638 thumbprint of the active key, the value
// authorization servers bind issued tokens to as jkt.
func (s *Service) JWKThumbprint(ctx context.Context) (string, error) {
	kp, err := s.KeyPair(ctx)
	if err != nil {
		return "", err
	}

	return Thumbprint(kp.JWK), nil
}

// ExportKey returns the active key as a private JWK.
func (s *Service) ExportKey(ctx context.Context) ([]byte, error) {
	kp, err := s.KeyPair(ctx)
	if err != nil {
		return nil, err
	}

	return kp.MarshalPrivateJWK()
}
