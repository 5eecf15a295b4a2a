package dpop

import "fmt"

// ErrorKind classifies Proof Key Service failures.
type ErrorKind int

const (
	KindSigning ErrorKind = iota + 1
	KindInvalidKeyMaterial
)

func (k ErrorKind) String() string {
	switch k {
	case KindSigning:
		return "signing error"
	case KindInvalidKeyMaterial:
		return "invalid key material"
	default:
		return fmt.Sprintf("dpop error kind %d", int(k))
	}
}

// Error is returned by every fallible operation in this package. Use
// errors.Is against ErrSigning / ErrInvalidKeyMaterial to match on kind.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

var (
	ErrSigning            = &Error{Kind: KindSigning}
	ErrInvalidKeyMaterial = &Error{Kind: KindInvalidKeyMaterial}
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
