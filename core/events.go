package core

import (
	"sync"

	"github.com/dustin/go-broadcast"
	"github.com/encodeous/weft/state"
)

// EventBus fans out zero-argument topology-changed notifications. Each listener is
// called from its own goroutine, and Publish never blocks. Notifications that arrive
// while a listener is still busy are coalesced into one.
type EventBus struct {
	mu        sync.RWMutex
	b         broadcast.Broadcaster
	listeners map[chan interface{}]struct{}
	closed    bool
}

type topologyChanged struct{}

func NewEventBus() *EventBus {
	return &EventBus{
		b:         broadcast.NewBroadcaster(state.EventBusBuffer),
		listeners: make(map[chan interface{}]struct{}),
	}
}

// Subscribe registers fn and returns a function that removes it again
func (e *EventBus) Subscribe(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	ch := make(chan interface{}, state.ListenerBuffer)
	e.listeners[ch] = struct{}{}
	e.b.Register(ch)
	// the broadcaster delivers to listeners in turn, so ch is drained straight away
	pending := make(chan struct{}, 1)
	go func() {
		defer close(pending)
		for range ch {
			select {
			case pending <- struct{}{}:
			default:
			}
		}
	}()
	go func() {
		for range pending {
			fn()
		}
	}()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.listeners[ch]; !ok {
			return
		}
		delete(e.listeners, ch)
		e.b.Unregister(ch)
		close(ch)
	}
}

// Publish notifies every listener. Notifications are dropped when the bus is saturated or closed.
func (e *EventBus) Publish() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	return e.b.TrySubmit(topologyChanged{})
}

func (e *EventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for ch := range e.listeners {
		e.b.Unregister(ch)
	}
	err := e.b.Close()
	for ch := range e.listeners {
		close(ch)
	}
	clear(e.listeners)
	return err
}
