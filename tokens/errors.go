package tokens

import "fmt"

type ErrorKind int

const (
	KindTokenNotFound ErrorKind = iota + 1
	KindRefreshFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTokenNotFound:
		return "token not found"
	case KindRefreshFailed:
		return "token refresh failed"
	default:
		return fmt.Sprintf("tokens error kind %d", int(k))
	}
}

type Error struct {
	Kind   ErrorKind
	UserID int64
	Msg    string
	Err    error
}

var (
	ErrTokenNotFound = &Error{Kind: KindTokenNotFound}
	ErrRefreshFailed = &Error{Kind: KindRefreshFailed}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.UserID != 0 {
		msg += fmt.Sprintf(" for user %d", e.UserID)
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
