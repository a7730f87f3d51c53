// Package hostproc talks to the companion host process (terminal, files,
// codebase, process control) over a local interprocess socket. Every call
// opens a fresh connection, sends one newline-delimited JSON-RPC request,
// reads one reply line, and tears the connection down. Host RPCs are
// low-frequency and independent, so per-call connections buy fault isolation
// (a stuck call cannot block an unrelated one) at negligible handshake cost.
package hostproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// Client is the stateless-per-call pipe transport.
type Client struct {
	path    string
	timeout time.Duration
	nextID  atomic.Int64
}

// NewClient creates a client for the named socket. name is the bare service
// name; the platform-specific path (`/tmp/<name>.sock` or `\\.\pipe\<name>`)
// is derived from it.
func NewClient(name string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{path: socketPath(name), timeout: timeout}
}

// Path returns the resolved socket path.
func (c *Client) Path() string { return c.path }

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call performs one request/reply exchange. Exactly one of six outcomes
// occurs and the socket is destroyed on every path: success, remote error,
// malformed reply, connection error, premature close, or timeout.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := dialPipe(ctx, c.path)
	if err != nil {
		return nil, &ConnError{Op: "dial", Path: c.path, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, &InvalidReplyError{Method: method, Detail: "unmarshalable params: " + err.Error()}
	}
	data = append(data, '\n')

	if _, err := conn.Write(data); err != nil {
		return nil, &ConnError{Op: "write", Path: c.path, Err: err}
	}

	// One line per reply; the protocol does not stream partial replies.
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return nil, &ClosedError{Method: method}
		}
		return nil, &ConnError{Op: "read", Path: c.path, Err: err}
	}

	var reply rpcReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, &InvalidReplyError{Method: method, Detail: err.Error()}
	}
	if reply.JSONRPC != "2.0" {
		return nil, &InvalidReplyError{Method: method, Detail: "missing jsonrpc version"}
	}
	if reply.Error != nil {
		return nil, &RemoteError{Method: method, Code: reply.Error.Code, Message: reply.Error.Message}
	}
	if reply.Result == nil {
		return nil, &InvalidReplyError{Method: method, Detail: "reply carries neither result nor error"}
	}

	return reply.Result, nil
}

// Ping probes host liveness with a short-timeout no-op call.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	probe := &Client{path: c.path, timeout: 2 * time.Second}
	_, err := probe.Call(ctx, "ping", nil)
	return err
}

// HostNotRunning reports whether err looks like "the host process is not
// there" rather than a failure inside a live host.
func HostNotRunning(err error) bool {
	var connErr *ConnError
	if errors.As(err, &connErr) {
		return connErr.Op == "dial"
	}
	var closed *ClosedError
	if errors.As(err, &closed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
