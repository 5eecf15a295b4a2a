package tokencrypt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyRing is the set of versioned 32-byte keys a deployment knows about, and
// the version new ciphertexts are written under.
type KeyRing struct {
	keys    map[string][]byte
	current string
}

// NewKeyRing validates keys and current. Every key must be exactly 32 bytes
// and the current version must be present.
func NewKeyRing(keys map[string][]byte, current string) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: "no encryption keys configured"}
	}

	ring := &KeyRing{
		keys:    make(map[string][]byte, len(keys)),
		current: current,
	}

	for version, key := range keys {
		if version == "" || strings.Contains(version, ":") {
			return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: fmt.Sprintf("invalid key version label %q", version)}
		}

		if len(key) != chacha20poly1305.KeySize {
			return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: fmt.Sprintf("key %q must be %d bytes, got %d", version, chacha20poly1305.KeySize, len(key))}
		}

		ring.keys[version] = slices.Clone(key)
	}

	if _, ok := ring.keys[current]; !ok {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: fmt.Sprintf("current key version %q is not in the key ring", current)}
	}

	return ring, nil
}

// ParseKeyRing reads a JSON object mapping version label to standard base64
// key bytes, e.g. {"v1":"...","v2":"..."}.
func ParseKeyRing(keysJSON, current string) (*KeyRing, error) {
	if keysJSON == "" {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: "no encryption keys configured"}
	}

	var encoded map[string]string
	if err := json.Unmarshal([]byte(keysJSON), &encoded); err != nil {
		return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: "key ring is not a JSON object of strings", Err: err}
	}

	keys := make(map[string][]byte, len(encoded))
	for version, b64 := range encoded {
		key, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, &Error{Kind: KindInvalidKeyMaterial, Msg: fmt.Sprintf("key %q is not valid base64", version), Err: err}
		}
		keys[version] = key
	}

	return NewKeyRing(keys, current)
}

func (r *KeyRing) Current() string {
	return r.current
}

// Versions returns the configured version labels in sorted order.
func (r *KeyRing) Versions() []string {
	return slices.Sorted(maps.Keys(r.keys))
}
