package channel

import (
	"fmt"
	"time"
)

// TimeoutError reports that no reply arrived for a request within its
// per-request timeout. It names the method so callers can tell which
// operation stalled.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %v", e.Method, e.Timeout)
}

// RemoteError is a structured error declared by the remote peer.
type RemoteError struct {
	Method  string `json:"-"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote error %d on %q: %s", e.Code, e.Method, e.Message)
	}
	return fmt.Sprintf("remote error on %q: %s", e.Method, e.Message)
}

// ParseError reports a remote error payload that did not match the expected
// {code, message} shape. Distinct from RemoteError so callers can tell a
// misbehaving peer from an application failure.
type ParseError struct {
	Method string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable error payload on %q: %s", e.Method, e.Raw)
}

// ClosedError rejects outstanding requests when the channel shuts down.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("channel closed: %v", e.Cause)
	}
	return "channel closed"
}

func (e *ClosedError) Unwrap() error { return e.Cause }
