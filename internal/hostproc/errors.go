package hostproc

import (
	"errors"
	"fmt"
)

// The pipe transport surfaces three distinguishable failure kinds. Callers
// treat all of them as "service unavailable" but may special-case
// ConnError/ClosedError as "the host process is not running".

// ConnError wraps a socket-level failure: dial, write, or read.
type ConnError struct {
	Op   string // "dial", "write", "read"
	Path string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("host pipe %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// RemoteError is an error the host process declared in its reply.
type RemoteError struct {
	Method  string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("host error %d on %q: %s", e.Code, e.Method, e.Message)
}

// ClosedError reports that the socket closed before a reply line arrived.
// Usually means the host process died mid-call or is not running.
type ClosedError struct {
	Method string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("host closed the connection with no reply to %q", e.Method)
}

// InvalidReplyError reports a reply that parsed as JSON but violated the
// protocol shape (missing jsonrpc, or neither result nor error).
type InvalidReplyError struct {
	Method string
	Detail string
}

func (e *InvalidReplyError) Error() string {
	return fmt.Sprintf("invalid reply to %q: %s", e.Method, e.Detail)
}

// ErrNoRecoveryHandler is a configuration error: recovery was requested but
// the application never registered a handler.
var ErrNoRecoveryHandler = errors.New("host unavailable and no recovery handler registered: register one at startup, or start the host process manually")

// ErrStillUnavailable is returned after waiting out a concurrent recovery
// that did not bring the host back. Deliberately not retried further to
// avoid unbounded recovery chains.
var ErrStillUnavailable = errors.New("host still unavailable after waiting for concurrent recovery: restart the host process and retry")
