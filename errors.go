package oauth

import "fmt"

// ErrorKind classifies protocol client failures. The numeric values are
// stable and safe to surface as error codes.
type ErrorKind int

const (
	KindInvalidHandle ErrorKind = iota + 1
	KindDidResolutionFailed
	KindOAuthDenied
	KindTokenExchangeFailed
	KindRefreshFailed
	KindConfig
	KindMetadataFetchFailed
	KindStateMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidHandle:
		return "invalid handle"
	case KindDidResolutionFailed:
		return "did resolution failed"
	case KindOAuthDenied:
		return "authorization denied"
	case KindTokenExchangeFailed:
		return "token exchange failed"
	case KindRefreshFailed:
		return "token refresh failed"
	case KindConfig:
		return "configuration error"
	case KindMetadataFetchFailed:
		return "metadata fetch failed"
	case KindStateMismatch:
		return "state mismatch"
	default:
		return fmt.Sprintf("oauth error kind %d", int(k))
	}
}

type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

var (
	ErrInvalidHandle       = &Error{Kind: KindInvalidHandle}
	ErrDidResolutionFailed = &Error{Kind: KindDidResolutionFailed}
	ErrOAuthDenied         = &Error{Kind: KindOAuthDenied}
	ErrTokenExchangeFailed = &Error{Kind: KindTokenExchangeFailed}
	ErrRefreshFailed       = &Error{Kind: KindRefreshFailed}
	ErrConfig              = &Error{Kind: KindConfig}
	ErrMetadataFetchFailed = &Error{Kind: KindMetadataFetchFailed}
	ErrStateMismatch       = &Error{Kind: KindStateMismatch}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
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

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
