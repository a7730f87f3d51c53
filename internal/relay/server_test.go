package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/tabbridge/pkg/events"
)

func startRelay(t *testing.T, bus *events.Bus) *Server {
	t.Helper()
	s := NewServer(bus)
	port, err := s.Start(0)
	require.NoError(t, err)
	require.Greater(t, port, 0, "ephemeral start must report the real bound port")
	t.Cleanup(func() { s.Stop() })
	return s
}

func dialPeer(t *testing.T, s *Server, token string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d?token=%s", s.Port(), token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendReady(t *testing.T, conn *websocket.Conn, tabID int) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ready", "tabId": tabID}))
}

// readCloseCode reads until the server closes the socket and returns the
// close code it sent.
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	return closeErr.Code
}

func waitForState(t *testing.T, s *Server, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond,
		"relay should reach state %s", want)
}

func TestStartReturnsEphemeralPort(t *testing.T) {
	s := startRelay(t, nil)
	assert.Greater(t, s.Port(), 0)
	assert.Contains(t, s.WSURL(), fmt.Sprintf("ws://127.0.0.1:%d?token=", s.Port()))
	assert.NotEmpty(t, s.Token())
}

func TestWrongTokenClosedWithPolicyViolation(t *testing.T) {
	s := startRelay(t, nil)

	conn := dialPeer(t, s, "wrong-token")
	assert.Equal(t, websocket.ClosePolicyViolation, readCloseCode(t, conn))
	assert.Equal(t, StateListening, s.State(), "rejected connection must not occupy the peer slot")
}

func TestRequestRoundtrip(t *testing.T) {
	s := startRelay(t, nil)
	conn := dialPeer(t, s, s.Token())
	sendReady(t, conn, 42)
	waitForState(t, s, StateActive)
	assert.Equal(t, 42, s.TabID())

	// Peer side: answer the one forwarded request.
	go func() {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(map[string]interface{}{
			"id":     req.ID,
			"result": map[string]string{"frameId": "F1"},
		})
	}()

	result, err := s.SendRequest(context.Background(), "Page.navigate",
		map[string]string{"url": "https://example.com"}, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"frameId":"F1"}`, string(result))
}

func TestSecondPeerRejectedNotDisplaced(t *testing.T) {
	s := startRelay(t, nil)
	first := dialPeer(t, s, s.Token())
	sendReady(t, first, 1)
	waitForState(t, s, StateActive)

	second := dialPeer(t, s, s.Token())
	assert.Equal(t, closeAlreadyConnected, readCloseCode(t, second))

	// The first peer keeps its slot.
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 1, s.TabID())
}

func TestSendRequestFailsFastWithoutPeer(t *testing.T) {
	s := startRelay(t, nil)

	start := time.Now()
	_, err := s.SendRequest(context.Background(), "Page.navigate", nil, 10*time.Second)
	elapsed := time.Since(start)

	var notConnected *NotConnectedError
	require.ErrorAs(t, err, &notConnected)
	assert.Equal(t, "Page.navigate", notConnected.Method)
	assert.Less(t, elapsed, time.Second, "no-peer failure must not wait out the request timeout")
}

func TestPeerEventsRepublished(t *testing.T) {
	bus := events.NewBus()
	defer bus.Shutdown()

	cdp := make(chan events.Event, 1)
	detached := make(chan events.Event, 1)
	bus.Subscribe(events.CDPEvent, func(e events.Event) { cdp <- e })
	bus.Subscribe(events.TabDetached, func(e events.Event) { detached <- e })

	s := startRelay(t, bus)
	conn := dialPeer(t, s, s.Token())
	sendReady(t, conn, 7)
	waitForState(t, s, StateActive)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":   "forwardCDPEvent",
		"method": "Page.loadEventFired",
		"params": map[string]float64{"timestamp": 123.4},
	}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":   "detached",
		"tabId":  7,
		"reason": "target_closed",
	}))

	select {
	case e := <-cdp:
		assert.Equal(t, "Page.loadEventFired", e.Data["method"])
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded CDP event never reached the bus")
	}

	select {
	case e := <-detached:
		assert.Equal(t, 7, e.Data["tabId"])
		assert.Equal(t, "target_closed", e.Data["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("detached event never reached the bus")
	}
}

func TestKeepAlivePings(t *testing.T) {
	s := NewServer(nil)
	s.SetKeepAliveInterval(20 * time.Millisecond)
	_, err := s.Start(0)
	require.NoError(t, err)
	defer s.Stop()

	conn := dialPeer(t, s, s.Token())
	sendReady(t, conn, 1)
	waitForState(t, s, StateActive)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ping", msg.Type)
}

func TestPeerDisconnectReturnsToListening(t *testing.T) {
	bus := events.NewBus()
	defer bus.Shutdown()
	gone := make(chan events.Event, 1)
	bus.Subscribe(events.PeerDisconnected, func(e events.Event) { gone <- e })

	s := startRelay(t, bus)
	conn := dialPeer(t, s, s.Token())
	sendReady(t, conn, 3)
	waitForState(t, s, StateActive)

	// An in-flight request must be rejected when the peer drops, not left
	// hanging until its timeout.
	reqErr := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), "Page.navigate", nil, 10*time.Second)
		reqErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	conn.Close()

	select {
	case err := <-reqErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on peer disconnect")
	}

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event published")
	}
	waitForState(t, s, StateListening)

	// The slot is free again: a new peer can attach.
	replacement := dialPeer(t, s, s.Token())
	sendReady(t, replacement, 4)
	waitForState(t, s, StateActive)
	assert.Equal(t, 4, s.TabID())
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewServer(nil)
	_, err := s.Start(0)
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	_, _, dialErr := websocket.DefaultDialer.Dial(s.WSURL(), nil)
	assert.Error(t, dialErr, "stopped relay must not accept connections")
}
