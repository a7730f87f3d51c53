package browser

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/standardbeagle/tabbridge/internal/channel"
)

// Peer is the capability set the manager needs from a remote connection:
// send a correlated request, close, and report disconnection exactly once.
// Both the direct browser WebSocket and the relay-backed proxy satisfy it.
type Peer interface {
	Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
	Close() error
	OnDisconnect(fn func(reason string))
}

// Factory produces a fresh peer during reconnection.
type Factory func(ctx context.Context) (Peer, error)

// wsPeer adapts a raw WebSocket (a browser debugging endpoint) to the Peer
// interface using a correlated request channel.
type wsPeer struct {
	conn    *websocket.Conn
	ch      *channel.Channel
	writeMu sync.Mutex

	mu           sync.Mutex
	onDisconnect func(reason string)
	notified     bool
}

// DialPeer connects to a WebSocket endpoint and starts its read loop. onEvent
// receives unsolicited protocol events and may be nil.
func DialPeer(ctx context.Context, url string, onEvent channel.EventFunc) (Peer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	p := &wsPeer{conn: conn}
	p.ch = channel.New(p.writeMessage, onEvent)

	go p.readLoop()
	return p, nil
}

func (p *wsPeer) writeMessage(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *wsPeer) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.ch.Close(err)
			p.notifyDisconnect(err.Error())
			return
		}
		p.ch.HandleMessage(data)
	}
}

func (p *wsPeer) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	return p.ch.Send(ctx, method, params, timeout)
}

func (p *wsPeer) Close() error {
	return p.conn.Close()
}

func (p *wsPeer) OnDisconnect(fn func(reason string)) {
	p.mu.Lock()
	p.onDisconnect = fn
	p.mu.Unlock()
}

// notifyDisconnect fires the registered handler at most once.
func (p *wsPeer) notifyDisconnect(reason string) {
	p.mu.Lock()
	fn := p.onDisconnect
	fired := p.notified
	p.notified = true
	p.mu.Unlock()

	if fn != nil && !fired {
		fn(reason)
	}
}
