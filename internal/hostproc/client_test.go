//go:build !windows

package hostproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hostSeq atomic.Int32

// fakeHost accepts connections on a unix socket and answers each request
// line according to its respond func. Returning nil closes the connection
// without replying.
type fakeHost struct {
	listener net.Listener
	accepted atomic.Int32
	respond  func(req rpcRequest) []byte
}

func startFakeHost(t *testing.T, respond func(req rpcRequest) []byte) (*fakeHost, *Client) {
	t.Helper()

	name := fmt.Sprintf("tabbridge-test-%d-%d", os.Getpid(), hostSeq.Add(1))
	client := NewClient(name, time.Second)

	_ = os.Remove(client.Path())
	ln, err := net.Listen("unix", client.Path())
	require.NoError(t, err)

	h := &fakeHost{listener: ln, respond: respond}
	go h.serve()

	t.Cleanup(func() {
		ln.Close()
		os.Remove(client.Path())
	})
	return h, client
}

func (h *fakeHost) serve() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		h.accepted.Add(1)
		go func(conn net.Conn) {
			defer conn.Close()
			line, err := bufio.NewReader(conn).ReadBytes('\n')
			if err != nil {
				return
			}
			var req rpcRequest
			if err := json.Unmarshal(line, &req); err != nil {
				return
			}
			if reply := h.respond(req); reply != nil {
				conn.Write(append(reply, '\n'))
			}
		}(conn)
	}
}

func okReply(req rpcRequest, result string) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result))
}

func TestCallSuccess(t *testing.T) {
	_, client := startFakeHost(t, func(req rpcRequest) []byte {
		return okReply(req, `{"cwd":"/home/dev"}`)
	})

	result, err := client.Call(context.Background(), "terminal.info", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cwd":"/home/dev"}`, string(result))
}

func TestCallRemoteError(t *testing.T) {
	_, client := startFakeHost(t, func(req rpcRequest) []byte {
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, req.ID))
	})

	_, err := client.Call(context.Background(), "no.such.method", nil)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, -32601, remote.Code)
	assert.Equal(t, "method not found", remote.Message)
	assert.Equal(t, "no.such.method", remote.Method)
}

func TestCallClosedWithoutReply(t *testing.T) {
	_, client := startFakeHost(t, func(req rpcRequest) []byte {
		return nil // close without answering
	})

	_, err := client.Call(context.Background(), "terminal.run", map[string]string{"cmd": "ls"})

	var closed *ClosedError
	require.ErrorAs(t, err, &closed)
	assert.True(t, HostNotRunning(err), "mid-call close counts as host gone")
}

func TestCallInvalidReplies(t *testing.T) {
	cases := []struct {
		name  string
		reply string
	}{
		{"not json", `this is not json`},
		{"missing version", `{"id":1,"result":{}}`},
		{"neither result nor error", `{"jsonrpc":"2.0","id":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, client := startFakeHost(t, func(req rpcRequest) []byte {
				return []byte(tc.reply)
			})

			_, err := client.Call(context.Background(), "ping", nil)

			var invalid *InvalidReplyError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestCallDialFailureIsFast(t *testing.T) {
	client := NewClient(fmt.Sprintf("tabbridge-absent-%d", os.Getpid()), 5*time.Second)

	start := time.Now()
	_, err := client.Call(context.Background(), "ping", nil)
	elapsed := time.Since(start)

	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "dial", connErr.Op)
	assert.True(t, HostNotRunning(err))
	assert.Less(t, elapsed, time.Second, "missing socket must fail immediately, not wait out the timeout")
}

func TestCallOpensFreshConnectionPerCall(t *testing.T) {
	host, client := startFakeHost(t, func(req rpcRequest) []byte {
		return okReply(req, `"pong"`)
	})

	for i := 0; i < 3; i++ {
		_, err := client.Call(context.Background(), "ping", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), host.accepted.Load())
}

func TestHostNotRunningClassification(t *testing.T) {
	assert.False(t, HostNotRunning(&RemoteError{Method: "x", Message: "boom"}),
		"a live host reporting an error is not a missing host")
	assert.False(t, HostNotRunning(&ConnError{Op: "write", Err: fmt.Errorf("broken pipe")}),
		"mid-call write failures are ambiguous, not classified as host gone")
	assert.True(t, HostNotRunning(&ConnError{Op: "dial", Err: fmt.Errorf("no such file")}))
}
