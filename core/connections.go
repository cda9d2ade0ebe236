package core

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ConnectionTable tracks live connections by id so link teardown can find them
type ConnectionTable struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{conns: make(map[string]Connection)}
}

func (t *ConnectionTable) Register(conn Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[conn.Id()]; ok {
		panic(fmt.Sprintf("connection %s to %s is already registered", conn.Id(), conn.Remote()))
	}
	t.conns[conn.Id()] = conn
}

func (t *ConnectionTable) Unregister(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[id]
	delete(t.conns, id)
	return ok
}

func (t *ConnectionTable) Lookup(id string) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conn, ok := t.conns[id]
	return conn, ok
}

func (t *ConnectionTable) MustLookup(id string) Connection {
	conn, ok := t.Lookup(id)
	if !ok {
		panic(fmt.Sprintf("connection %s is not registered", id))
	}
	return conn
}

// All returns every live connection ordered by id
func (t *ConnectionTable) All() []Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(t.conns))
	out := make([]Connection, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.conns[id])
	}
	return out
}

func (t *ConnectionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
