// Package relay mediates between the controller and a browser-extension peer
// over WebSocket. One peer at a time: the extension connects with a token,
// declares which tab it controls, and from then on the server forwards
// commands to it and republishes its unsolicited events on the bus.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/standardbeagle/tabbridge/internal/channel"
	"github.com/standardbeagle/tabbridge/pkg/events"
)

// closeAlreadyConnected rejects a second peer while one is attached. Custom
// application close code; the extension treats it as "do not retry".
const closeAlreadyConnected = 4409

const defaultKeepAlive = 30 * time.Second

// State tracks the peer attachment lifecycle.
type State int

const (
	StateListening State = iota // no peer attached
	StateReady                  // peer attached, ready handshake not yet received
	StateActive                 // peer declared its tab, requests allowed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NotConnectedError fails a request fast when no peer is active.
type NotConnectedError struct {
	Method string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("cannot send %q: no extension peer connected", e.Method)
}

// Server is the WebSocket relay. Zero value is not usable; construct with
// NewServer.
type Server struct {
	token     string
	bus       *events.Bus
	keepAlive time.Duration
	upgrader  websocket.Upgrader

	httpSrv  *http.Server
	listener net.Listener
	port     int

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	ch       *channel.Channel
	tabID    int
	pingStop chan struct{}
	stopped  bool
}

// NewServer creates a relay with a fresh per-instance authentication token.
// bus may be nil when no one subscribes to peer events.
func NewServer(bus *events.Bus) *Server {
	return &Server{
		token:     uuid.NewString(),
		bus:       bus,
		keepAlive: defaultKeepAlive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The extension page has a null/extension origin; token auth
			// replaces the origin check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetKeepAliveInterval overrides the ping cadence. Must be called before
// Start.
func (s *Server) SetKeepAliveInterval(d time.Duration) {
	if d > 0 {
		s.keepAlive = d
	}
}

// Token returns the per-instance authentication token.
func (s *Server) Token() string { return s.token }

// Port returns the bound listener port, 0 before Start.
func (s *Server) Port() int { return s.port }

// WSURL is the complete connect URL the peer should dial, token included.
func (s *Server) WSURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d?token=%s", s.port, s.token)
}

// State returns the current peer attachment state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TabID returns the tab the active peer declared, or 0 when no peer is
// active.
func (s *Server) TabID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return 0
	}
	return s.tabID
}

// Start binds the WebSocket listener on loopback. port 0 asks the OS for an
// ephemeral port; the bound port is returned either way.
func (s *Server) Start(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, fmt.Errorf("bind relay listener: %w", err)
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.handleUpgrade)}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debugLog("listener stopped: %v", err)
		}
	}()

	debugLog("relay listening on port %d", s.port)
	return s.port, nil
}

type readyMessage struct {
	Type  string `json:"type"`
	TabID int    `json:"tabId"`
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog("upgrade failed: %v", err)
		return
	}

	if r.URL.Query().Get("token") != s.token {
		// Rejection is terminal for this attempt; no handshake happens.
		s.closeWith(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		s.closeWith(conn, closeAlreadyConnected, "peer already connected")
		return
	}
	s.state = StateReady
	s.conn = conn
	s.mu.Unlock()

	var ready readyMessage
	if err := conn.ReadJSON(&ready); err != nil || ready.Type != "ready" {
		debugLog("peer failed ready handshake: %v", err)
		s.detach(conn, "no ready handshake")
		conn.Close()
		return
	}

	s.activate(conn, ready.TabID)
	s.readLoop(conn)
}

// activate promotes the attached peer once the ready handshake arrives.
func (s *Server) activate(conn *websocket.Conn, tabID int) {
	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	ch := channel.New(write, s.republish)
	stop := make(chan struct{})

	s.mu.Lock()
	s.state = StateActive
	s.ch = ch
	s.tabID = tabID
	s.pingStop = stop
	s.mu.Unlock()

	go s.keepAliveLoop(write, stop)

	s.publish(events.PeerConnected, map[string]interface{}{"tabId": tabID})
	debugLog("peer active, tab %d", tabID)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.detach(conn, err.Error())
			return
		}

		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()
		if ch != nil {
			ch.HandleMessage(data)
		}
	}
}

// keepAliveLoop sends a ping frame while the peer is active. The extension
// service worker gets reclaimed by the browser if the socket looks idle;
// periodic traffic keeps it alive. No reply is expected.
func (s *Server) keepAliveLoop(write func([]byte) error, stop chan struct{}) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"type": "ping"})
	for {
		select {
		case <-ticker.C:
			if err := write(ping); err != nil {
				debugLog("keep-alive write failed: %v", err)
				return
			}
		case <-stop:
			return
		}
	}
}

// republish converts channel events into bus events for subscribers.
func (s *Server) republish(ev channel.EventMessage) {
	switch ev.Type {
	case "forwardCDPEvent":
		s.publish(events.CDPEvent, map[string]interface{}{
			"method": ev.Method,
			"params": ev.Params,
		})
	case "detached":
		s.publish(events.TabDetached, map[string]interface{}{
			"tabId":  ev.TabID,
			"reason": ev.Reason,
		})
	default:
		debugLog("ignoring peer message type %q", ev.Type)
	}
}

// detach tears down the given peer connection if it is still the current one.
// A stale connection that already lost the slot is ignored.
func (s *Server) detach(conn *websocket.Conn, reason string) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == StateActive
	ch := s.ch
	stop := s.pingStop
	s.state = StateListening
	s.conn = nil
	s.ch = nil
	s.tabID = 0
	s.pingStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if ch != nil {
		ch.Close(errors.New(reason))
	}
	conn.Close()

	if wasActive {
		s.publish(events.PeerDisconnected, map[string]interface{}{"reason": reason})
	}
	debugLog("peer detached: %s", reason)
}

// SendRequest forwards one command to the active peer and waits for its
// reply. Fails fast when no peer is active rather than queueing.
func (s *Server) SendRequest(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	ch := s.ch
	active := s.state == StateActive
	s.mu.Unlock()

	if !active || ch == nil {
		return nil, &NotConnectedError{Method: method}
	}
	return ch.Send(ctx, method, params, timeout)
}

// Stop closes the peer socket and the listener. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.detach(conn, "relay stopped")
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// closeWith sends a close frame with the given code and drops the socket.
func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
	debugLog("rejected connection: %s (%d)", reason, code)
}

func (s *Server) publish(typ events.EventType, data map[string]interface{}) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: typ, Source: "relay", Data: data})
	}
}
