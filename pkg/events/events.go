package events

import (
	"context"
	"log"
	"runtime"
	"strconv"
	"sync"
	"time"
)

type EventType string

const (
	PeerConnected    EventType = "peer.connected"
	PeerDisconnected EventType = "peer.disconnected"
	CDPEvent         EventType = "cdp.event"
	TabDetached      EventType = "tab.detached"
	HostAvailable    EventType = "host.available"
	HostUnavailable  EventType = "host.unavailable"
	ReconnectStarted EventType = "reconnect.started"
	ReconnectDone    EventType = "reconnect.done"
)

type Event struct {
	ID        string
	Type      EventType
	Source    string
	Timestamp time.Time
	Data      map[string]interface{}
}

type Handler func(event Event)

// WorkerPoolConfig holds configuration for the event bus worker pool
type WorkerPoolConfig struct {
	WorkerCount int // Number of worker goroutines (default: CPU cores * 2)
	BufferSize  int // Channel buffer size (default: 256)
}

// DefaultWorkerPoolConfig returns the default configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: runtime.NumCPU() * 2,
		BufferSize:  256,
	}
}

type eventTask struct {
	event   Event
	handler Handler
}

type Bus struct {
	handlers   map[EventType][]Handler
	mu         sync.RWMutex
	workerPool chan eventTask
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	config     WorkerPoolConfig
}

func NewBus() *Bus {
	return NewBusWithConfig(DefaultWorkerPoolConfig())
}

func NewBusWithConfig(config WorkerPoolConfig) *Bus {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		handlers:   make(map[EventType][]Handler),
		workerPool: make(chan eventTask, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
		config:     config,
	}

	for i := 0; i < config.WorkerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	return b
}

// worker processes events from the worker pool
func (b *Bus) worker() {
	defer b.wg.Done()

	for {
		select {
		case task := <-b.workerPool:
			// Run handler with panic recovery so one bad subscriber
			// cannot take down the dispatch loop
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("events: handler panic for %s: %v", task.event.Type, r)
					}
				}()
				task.handler(task.event)
			}()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *Bus) Publish(event Event) {
	event.Timestamp = time.Now()
	if event.ID == "" {
		event.ID = generateEventID()
	}

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		task := eventTask{event: event, handler: handler}

		// Non-blocking send to worker pool
		select {
		case b.workerPool <- task:
		default:
			// Worker pool full - run in a fresh goroutine as fallback
			go func(h Handler, e Event) {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("events: fallback handler panic for %s: %v", e.Type, r)
					}
				}()
				h(e)
			}(handler, event)
		}
	}
}

// Shutdown gracefully shuts down the worker pool
func (b *Bus) Shutdown() {
	b.cancel()
	b.wg.Wait()
}

func generateEventID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
