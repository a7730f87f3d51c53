// Package channel turns a raw message stream into a request/response
// abstraction with concurrent multiplexing. Replies are matched to requests
// by correlation id regardless of arrival order; unsolicited event-shaped
// messages are republished to a subscriber callback.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// WriteFunc sends one serialized message over the underlying transport.
type WriteFunc func(data []byte) error

// EventMessage is an unsolicited peer message that carries no correlation id.
type EventMessage struct {
	Type   string          `json:"type"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	TabID  int             `json:"tabId,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// EventFunc receives republished event messages.
type EventFunc func(ev EventMessage)

type settlement struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	method string
	done   chan settlement // buffered, exactly one send
}

// Channel correlates requests with replies over a duplex message transport.
// The transport is supplied as a write function; incoming messages are fed
// through HandleMessage by whoever owns the read loop.
type Channel struct {
	write   WriteFunc
	onEvent EventFunc
	nextID  atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingRequest
	closed   bool
	closeErr error
}

// New creates a channel over the given transport write function. onEvent may
// be nil if the caller does not care about unsolicited messages.
func New(write WriteFunc, onEvent EventFunc) *Channel {
	return &Channel{
		write:   write,
		onEvent: onEvent,
		pending: make(map[int64]*pendingRequest),
	}
}

type request struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type envelope struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`

	// Event-shaped fields
	Type   string          `json:"type"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	TabID  int             `json:"tabId"`
	Reason string          `json:"reason"`
}

// Send writes {id, method, params} and waits for the matching reply, the
// timeout, or context cancellation, whichever comes first. The id is taken
// from a per-channel monotonic counter, so ids never collide within one
// channel lifetime no matter how many callers send concurrently.
func (c *Channel) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request %s: %w", method, err)
	}

	p := &pendingRequest{method: method, done: make(chan settlement, 1)}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	// Register before writing so a reply racing the write cannot be dropped.
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.write(data); err != nil {
		c.remove(id)
		return nil, fmt.Errorf("write request %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-p.done:
		return s.result, s.err
	case <-timer.C:
		c.remove(id)
		return nil, &TimeoutError{Method: method, Timeout: timeout}
	case <-ctx.Done():
		c.remove(id)
		return nil, ctx.Err()
	}
}

// HandleMessage routes one raw incoming message. Malformed payloads are
// logged and dropped; they must never propagate into the transport read loop.
func (c *Channel) HandleMessage(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("channel: dropping malformed message: %v", err)
		return
	}

	if env.ID != nil {
		c.settle(*env.ID, env.Result, env.Error)
		return
	}

	if env.Type != "" {
		if c.onEvent != nil {
			c.onEvent(EventMessage{
				Type:   env.Type,
				Method: env.Method,
				Params: env.Params,
				TabID:  env.TabID,
				Reason: env.Reason,
			})
		}
		return
	}

	log.Printf("channel: dropping message with no id and no type")
}

// settle resolves or rejects the pending request for id. A reply with no
// matching pending request is logged and dropped, not fatal.
func (c *Channel) settle(id int64, result, remoteErr json.RawMessage) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		log.Printf("channel: reply for unknown request id %d dropped", id)
		return
	}

	if len(remoteErr) > 0 && string(remoteErr) != "null" {
		p.done <- settlement{err: decodeRemoteError(p.method, remoteErr)}
		return
	}
	p.done <- settlement{result: result}
}

// decodeRemoteError distinguishes a structured remote error from a payload
// that does not match the expected {code, message} shape.
func decodeRemoteError(method string, raw json.RawMessage) error {
	var re RemoteError
	if err := json.Unmarshal(raw, &re); err != nil || re.Message == "" {
		return &ParseError{Method: method, Raw: string(raw)}
	}
	re.Method = method
	return &re
}

// remove clears a pending request after a local timeout or cancellation.
func (c *Channel) remove(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close rejects every outstanding request with a channel-closed error and
// refuses further sends. Safe to call more than once.
func (c *Channel) Close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = &ClosedError{Cause: cause}
	outstanding := c.pending
	c.pending = make(map[int64]*pendingRequest)
	closeErr := c.closeErr
	c.mu.Unlock()

	for _, p := range outstanding {
		p.done <- settlement{err: closeErr}
	}
}

// PendingCount reports the number of unsettled requests.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
