package receiver

import (
	"errors"
	"strings"

	"github.com/wjake/udp-receiver/internal/protocol"
)

var (
	// ErrInvalidAddress reports a string that is not a dotted-quad IPv4 address
	ErrInvalidAddress = errors.New("invalid IPv4 address")
	// ErrInvalidConfig reports an endpoint configuration that cannot be used
	ErrInvalidConfig = errors.New("invalid endpoint configuration")
	// ErrBindFailed reports an OS-level socket creation or bind failure
	ErrBindFailed = errors.New("bind failed")
	// ErrSocketClosed reports an operation on a socket that has been torn down
	ErrSocketClosed = errors.New("socket closed")
	// ErrSendFailed reports a send that wrote zero or partial bytes
	ErrSendFailed = errors.New("send failed")
	// ErrDecodeFailed reports a datagram that is not valid text
	ErrDecodeFailed = protocol.ErrDecodeFailed
)

// Error carries the operation and address that failed alongside the error kind.
// It matches its Kind sentinel and its cause with errors.Is.
type Error struct {
	Op   string // Operation, e.g. "start", "send", "bind"
	Kind error  // One of the Err* sentinels
	Addr string // Address involved, may be empty
	Err  error  // Underlying cause, may be nil
}

func newError(op string, kind error, addr string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Addr: addr, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("receiver.")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Addr != "" {
		b.WriteString(" (")
		b.WriteString(e.Addr)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
