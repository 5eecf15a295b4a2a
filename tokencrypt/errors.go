package tokencrypt

import "fmt"

type ErrorKind int

const (
	KindUnknownKeyVersion ErrorKind = iota + 1
	KindAuthenticationFailed
	KindInvalidKeyMaterial
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnknownKeyVersion:
		return "unknown key version"
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindInvalidKeyMaterial:
		return "invalid key material"
	default:
		return fmt.Sprintf("tokencrypt error kind %d", int(k))
	}
}

type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

var (
	ErrUnknownKeyVersion    = &Error{Kind: KindUnknownKeyVersion}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrInvalidKeyMaterial   = &Error{Kind: KindInvalidKeyMaterial}
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
