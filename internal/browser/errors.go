package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/standardbeagle/tabbridge/internal/channel"
)

// Substrings that mark an error as connection loss even when the remote
// surfaced it as a bare string. The remote protocol reports failures from
// several code paths with no common error class, so classification is
// layered: typed errors first, then message matching, then a protocol
// method hint.
var connectionLossSubstrings = []string{
	"connection closed",
	"session closed",
	"target closed",
	"websocket is not open",
}

// protocolErrorRe matches messages like "Protocol error (Page.navigate): ..."
// where the namespaced method is the only hint the failure came from the
// browser protocol layer rather than application logic.
var protocolErrorRe = regexp.MustCompile(`(?i)protocol error \(([A-Za-z]+)\.[A-Za-z.]+\)`)

var protocolNamespaces = map[string]bool{
	"Page":      true,
	"Runtime":   true,
	"DOM":       true,
	"Network":   true,
	"Target":    true,
	"Input":     true,
	"Browser":   true,
	"Emulation": true,
	"Fetch":     true,
}

// IsConnectionError reports whether err indicates the peer connection is
// gone, as opposed to an application failure the caller must handle itself.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var closed *channel.ClosedError
	if errors.As(err, &closed) {
		return true
	}
	var timeout *channel.TimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sub := range connectionLossSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}

	if m := protocolErrorRe.FindStringSubmatch(err.Error()); m != nil {
		return protocolNamespaces[m[1]]
	}

	return false
}

// ExhaustedError is the terminal error after a reconnection sequence runs out
// of attempts or time. It is worded as a remediation step because the caller
// is usually an automated agent deciding whether to retry the whole
// operation.
type ExhaustedError struct {
	Attempts int
	TimedOut bool
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("reconnect abandoned after %d attempts (sequence timeout): %v — restart the browser or the extension bridge, then retry", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("reconnect failed after %d attempts: %v — restart the browser or the extension bridge, then retry", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// ErrNotBound is returned when the manager has no peer or factory configured.
// This is a configuration problem, not transient exhaustion.
var ErrNotBound = errors.New("connection manager not bound: call Bind with a peer and factory first")
