package dpop

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const p256ScalarSize = 32

// signES256 signs input with ECDSA P-256/SHA-256 and returns the JWS form of
// the signature: r || s, each left padded to 32 bytes.
func signES256(privKey *ecdsa.PrivateKey, input string) ([]byte, error) {
	digest := sha256.Sum256([]byte(input))

	der, err := ecdsa.SignASN1(rand.Reader, privKey, digest[:])
	if err != nil {
		return nil, err
	}

	return derToRaw(der, p256ScalarSize)
}

// derToRaw converts a DER SEQUENCE { INTEGER r, INTEGER s } into the fixed
// width concatenation r || s.
func derToRaw(der []byte, size int) ([]byte, error) {
	var inner, r, s cryptobyte.String

	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("invalid DER signature: missing SEQUENCE")
	}

	if !inner.ReadASN1(&r, asn1.INTEGER) {
		return nil, fmt.Errorf("invalid DER signature: missing INTEGER for r")
	}

	if !inner.ReadASN1(&s, asn1.INTEGER) || !inner.Empty() {
		return nil, fmt.Errorf("invalid DER signature: missing INTEGER for s")
	}

	rb, err := padInteger(r, size)
	if err != nil {
		return nil, fmt.Errorf("invalid r: %w", err)
	}

	sb, err := padInteger(s, size)
	if err != nil {
		return nil, fmt.Errorf("invalid s: %w", err)
	}

	return append(rb, sb...), nil
}

// padInteger strips DER sign padding and leading zeros from a big-endian
// integer and left pads it with zeros to exactly size bytes.
func padInteger(b []byte, size int) ([]byte, error) {
	b = bytes.TrimLeft(b, "\x00")
	if len(b) > size {
		return nil, fmt.Errorf("integer is %d bytes, want at most %d", len(b), size)
	}

	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out, nil
}
