package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrBind indicates that the session could not be bound to any relay.
	ErrBind = errors.New("cannot bind to a relay")
	// ErrConnect indicates that a share URL could not be turned into a
	// rendezvous request.
	ErrConnect = errors.New("cannot connect")
)

// ErrorKind classifies handshake and request failures.
type ErrorKind uint8

const (
	KindBind ErrorKind = iota
	KindConnect
	KindFailOnConnect
	KindInvalidAuth
	KindAuthFailed
	KindDomainAddressCannotBeFound
	KindInvalidPacket
	KindInvalidFilePath
)

var kindMessages = [...]string{
	KindBind:                       "Cannot bind",
	KindConnect:                    "Cannot connect",
	KindFailOnConnect:              "Fail on connect",
	KindInvalidAuth:                "Invalid auth",
	KindAuthFailed:                 "Auth failed",
	KindDomainAddressCannotBeFound: "Domain address cannot be found",
	KindInvalidPacket:              "Invalid packet",
	KindInvalidFilePath:            "Invalid file path",
}

// Message returns the short human readable text of the kind.
func (k ErrorKind) Message() string {
	if int(k) < len(kindMessages) {
		return kindMessages[k]
	}
	return fmt.Sprintf("Error %d", uint8(k))
}

func (k ErrorKind) String() string { return k.Message() }

// Error is a classified failure of a session operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Message()
	}
	return e.Op + ": " + e.Kind.Message() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrBind and ErrConnect by kind, and any *Error with the same
// kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrBind:
		return e.Kind == KindBind
	case ErrConnect:
		return e.Kind == KindConnect
	}
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
