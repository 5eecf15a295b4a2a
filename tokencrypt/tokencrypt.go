// Package tokencrypt seals OAuth tokens at rest with XChaCha20-Poly1305 under
// a versioned key ring. Stored values have the form
//
//	<version>:<base64(nonce || ciphertext || tag)>
//
// so old values stay readable after the current version changes.
package tokencrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

type Encryptor struct {
	current string
	aeads   map[string]cipher.AEAD
}

func New(ring *KeyRing) (*Encryptor, error) {
	if ring == nil {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: "nil key ring"}
	}

	e := &Encryptor{
		current: ring.current,
		aeads:   make(map[string]cipher.AEAD, len(ring.keys)),
	}

	for version, key := range ring.keys {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: fmt.Sprintf("key %q", version), Err: err}
		}
		e.aeads[version] = aead
	}

	return e, nil
}

func (e *Encryptor) CurrentVersion() string {
	return e.current
}

// Encrypt seals plaintext under the current key with a fresh random nonce.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	aead := e.aeads[e.current]

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return e.current + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value with the key named by its version prefix.
func (e *Encryptor) Decrypt(stored string) (string, error) {
	version, payload, ok := strings.Cut(stored, ":")
	if !ok {
		return "", &Error{Kind: KindAuthenticationFailed, Msg: "value has no version prefix"}
	}

	aead, ok := e.aeads[version]
	if !ok {
		return "", &Error{Kind: KindUnknownKeyVersion, Msg: fmt.Sprintf("no key for version %q", version)}
	}

	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", &Error{Kind: KindAuthenticationFailed, Msg: "payload is not valid base64", Err: err}
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", &Error{Kind: KindAuthenticationFailed, Msg: "payload too short"}
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &Error{Kind: KindAuthenticationFailed, Err: err}
	}

	return string(plaintext), nil
}

// NeedsReencryption reports whether stored was written under a version other
// than the current one. Values without a version prefix also need it.
func (e *Encryptor) NeedsReencryption(stored string) bool {
	version, _, ok := strings.Cut(stored, ":")
	if !ok {
		return true
	}

	return version != e.current
}

// Reencrypt decrypts stored and seals it again under the current key.
func (e *Encryptor) Reencrypt(stored string) (string, error) {
	plaintext, err := e.Decrypt(stored)
	if err != nil {
		return "", err
	}

	return e.Encrypt(plaintext)
}
