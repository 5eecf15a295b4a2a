package identity

import "fmt"

type ErrorKind int

const (
	KindInvalidHandle ErrorKind = iota + 1
	KindResolutionFailed
	KindDidResolutionFailed
	KindUnsupportedMethod
	KindNoPdsEndpoint
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidHandle:
		return "invalid handle"
	case KindResolutionFailed:
		return "handle resolution failed"
	case KindDidResolutionFailed:
		return "DID resolution failed"
	case KindUnsupportedMethod:
		return "unsupported DID method"
	case KindNoPdsEndpoint:
		return "no PDS endpoint"
	default:
		return fmt.Sprintf("identity error kind %d", int(k))
	}
}

// Error is the tagged error returned by the resolver. Identifier is the
// handle or DID being resolved.
type Error struct {
	Kind       ErrorKind
	Identifier string
	Msg        string
	Err        error
}

var (
	ErrInvalidHandle       = &Error{Kind: KindInvalidHandle}
	ErrResolutionFailed    = &Error{Kind: KindResolutionFailed}
	ErrDidResolutionFailed = &Error{Kind: KindDidResolutionFailed}
	ErrUnsupportedMethod   = &Error{Kind: KindUnsupportedMethod}
	ErrNoPdsEndpoint       = &Error{Kind: KindNoPdsEndpoint}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Identifier != "" {
		msg += " for " + e.Identifier
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
