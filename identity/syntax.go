package identity

import (
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Method is the DID method a resolver knows how to dispatch on.
type Method int

const (
	MethodUnsupported Method = iota
	MethodPLC
	MethodWeb
)

func (m Method) String() string {
	switch m {
	case MethodPLC:
		return "plc"
	case MethodWeb:
		return "web"
	default:
		return "unsupported"
	}
}

func methodOf(did syntax.DID) Method {
	switch did.Method() {
	case "plc":
		return MethodPLC
	case "web":
		return MethodWeb
	default:
		return MethodUnsupported
	}
}

// IsValidHandle reports whether s is a syntactically valid handle: at least
// two dot separated DNS labels, no whitespace.
func IsValidHandle(s string) bool {
	_, err := syntax.ParseHandle(s)
	return err == nil
}

// IsValidDID reports whether s is a syntactically valid DID of any method.
func IsValidDID(s string) bool {
	_, err := syntax.ParseDID(s)
	return err == nil
}

// NormalizeHandle lowercases a handle and drops a leading "@".
func NormalizeHandle(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, "@"))
}
