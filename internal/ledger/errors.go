package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the normalised failure taxonomy for ledger calls.
type ErrorKind string

const (
	// KindTransport: the ledger could not be reached or answered with a server error.
	KindTransport ErrorKind = "transport"
	// KindTimeout: the call or settlement wait exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
	// KindNotFound: the script failed because a resource or capability does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindRejected: the transaction settled with an execution error.
	KindRejected ErrorKind = "rejected"
	// KindDecode: the ledger answered with a value that could not be decoded.
	KindDecode ErrorKind = "decode"
)

// Error wraps ledger failures with a normalised kind.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger %s [%s]: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("ledger %s [%s]: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified ledger error.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the kind of a ledger error. Context deadline and network
// errors that escaped classification count as timeout/transport.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}
	return KindTransport
}

// IsTransport reports whether err is a reachability failure the caller may retry.
func IsTransport(err error) bool {
	k := KindOf(err)
	return k == KindTransport || k == KindTimeout
}

// IsNotFound reports whether err means the queried resource does not exist.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}
