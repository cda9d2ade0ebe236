package core

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/encodeous/weft/state"
)

type HandlerFunc func(conn Connection, payload []byte, md state.Metadata) state.Response

// Mux dispatches inbound requests by their metadata topic
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	log      *slog.Logger
}

func NewMux(log *slog.Logger) *Mux {
	return &Mux{
		handlers: make(map[string]HandlerFunc),
		log:      log,
	}
}

func (m *Mux) Handle(topic string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[topic]; ok {
		panic(fmt.Sprintf("handler for topic %q registered twice", topic))
	}
	m.handlers[topic] = fn
}

func (m *Mux) Serve(conn Connection, payload []byte, md state.Metadata) (res state.Response) {
	m.mu.RLock()
	fn, ok := m.handlers[md.Topic()]
	m.mu.RUnlock()
	if !ok {
		m.log.Debug("no handler for topic", "topic", md.Topic(), "from", conn.Remote())
		return state.Fail(state.CodeUnknownTopic, "no handler for topic %q", md.Topic())
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("handler panicked", "topic", md.Topic(), "from", conn.Remote(), "panic", r)
			res = state.Fail(state.CodeRemoteError, "handler for %q failed: %v", md.Topic(), r)
		}
	}()
	return fn(conn, payload, md)
}
