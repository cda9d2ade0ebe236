package impl

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/state"
	"github.com/google/uuid"
)

var ErrUnreachable = errors.New("node is unreachable")

// VirtualLink describes the conditions messages experience from one node to another
type VirtualLink struct {
	mu         sync.Mutex
	Latency    time.Duration
	Jitter     time.Duration
	PacketLoss float64
	Blackhole  bool
}

func (v *VirtualLink) WithLatency(lat, jitter time.Duration) *VirtualLink {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Latency = lat
	v.Jitter = jitter
	return v
}

func (v *VirtualLink) WithPacketLoss(loss float64) *VirtualLink {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.PacketLoss = loss
	return v
}

// WithBlackhole silently drops everything sent over the link while enabled
func (v *VirtualLink) WithBlackhole(enabled bool) *VirtualLink {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Blackhole = enabled
	return v
}

// simulate returns the delay of one message, or false if it is dropped
func (v *VirtualLink) simulate() (time.Duration, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Blackhole || rand.Float64() < v.PacketLoss {
		return 0, false
	}
	lat := v.Latency
	if v.Jitter > 0 {
		lat += time.Duration(rand.Float64() * float64(v.Jitter.Nanoseconds()))
	}
	return lat, true
}

// InMemoryNetwork connects MemTransports inside one process. Contact points are node ids.
type InMemoryNetwork struct {
	mu     sync.Mutex
	nodes  map[state.NodeId]*MemTransport
	links  map[state.Pair[state.NodeId, state.NodeId]]*VirtualLink
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewInMemoryNetwork() *InMemoryNetwork {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryNetwork{
		nodes:  make(map[state.NodeId]*MemTransport),
		links:  make(map[state.Pair[state.NodeId, state.NodeId]]*VirtualLink),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Link returns the conditions of the directed path from -> to
func (n *InMemoryNetwork) Link(from, to state.NodeId) *VirtualLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := state.Pair[state.NodeId, state.NodeId]{V1: from, V2: to}
	link, ok := n.links[key]
	if !ok {
		link = &VirtualLink{}
		n.links[key] = link
	}
	return link
}

// Transport creates the endpoint of a node. It can be started once.
func (n *InMemoryNetwork) Transport(id state.NodeId) *MemTransport {
	return &MemTransport{
		net:   n,
		self:  id,
		conns: make(map[string]*memConn),
	}
}

func (n *InMemoryNetwork) node(id state.NodeId) (*MemTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.nodes[id]
	return t, ok
}

// Disconnect tears down every connection between a and b
func (n *InMemoryNetwork) Disconnect(a, b state.NodeId) int {
	t, ok := n.node(a)
	if !ok {
		return 0
	}
	count := 0
	for _, c := range t.connections() {
		if c.remote == b {
			c.close(errors.New("disconnected"))
			count++
		}
	}
	return count
}

// Stop drops every message in flight and waits for the delivery goroutines
func (n *InMemoryNetwork) Stop() {
	n.cancel()
	n.wg.Wait()
}

// deliver carries one request to the peer of c and the response back
func (n *InMemoryNetwork) deliver(c *memConn, id uint64, payload []byte, md state.Metadata) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if !n.travel(c.local, c.remote) {
			return
		}
		peer := c.peer
		if peer.isClosed() {
			return
		}
		res := peer.t.handler.Serve(peer, payload, md)
		if !n.travel(c.remote, c.local) {
			return
		}
		if fn, ok := c.take(id); ok {
			fn(res)
		}
	}()
}

func (n *InMemoryNetwork) travel(from, to state.NodeId) bool {
	lat, ok := n.Link(from, to).simulate()
	if !ok {
		return false
	}
	if lat == 0 {
		return n.ctx.Err() == nil
	}
	select {
	case <-n.ctx.Done():
		return false
	case <-time.After(lat):
		return true
	}
}

type memConn struct {
	id     string
	local  state.NodeId
	remote state.NodeId
	peer   *memConn
	t      *MemTransport
	ready  chan struct{}

	mu      sync.Mutex
	pending map[uint64]func(state.Response)
	nextId  uint64
	closed  bool
}

func (c *memConn) Id() string           { return c.id }
func (c *memConn) Remote() state.NodeId { return c.remote }

func (c *memConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memConn) take(id uint64) (func(state.Response), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.pending[id]
	delete(c.pending, id)
	return fn, ok
}

// close shuts both directions of the connection. Dropped requests fail here.
func (c *memConn) close(reason error) {
	for _, side := range []*memConn{c, c.peer} {
		side.mu.Lock()
		if side.closed {
			side.mu.Unlock()
			continue
		}
		side.closed = true
		pending := side.pending
		side.pending = nil
		side.mu.Unlock()

		for _, fn := range pending {
			fn(state.Fail(state.CodeClosed, "connection to %s closed: %v", side.remote, reason))
		}
		<-side.ready
		side.t.remove(side)
	}
}

// MemTransport is the endpoint of one node on an InMemoryNetwork
type MemTransport struct {
	net      *InMemoryNetwork
	self     state.NodeId
	handler  core.Handler
	observer core.LinkObserver

	mu     sync.Mutex
	conns  map[string]*memConn
	closed bool
}

func (t *MemTransport) Start(ctx context.Context, self state.NodeId, handler core.Handler, observer core.LinkObserver) error {
	if self != t.self {
		return fmt.Errorf("transport belongs to %s, not %s", t.self, self)
	}
	t.handler = handler
	t.observer = observer
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, ok := t.net.nodes[self]; ok {
		return fmt.Errorf("%s is already attached to the network", self)
	}
	t.net.nodes[self] = t
	return nil
}

func (t *MemTransport) connections() []*memConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*memConn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *MemTransport) register(c *memConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c.id] = c
	return true
}

// forget drops a connection the observer was never told about
func (t *MemTransport) forget(c *memConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c.id)
}

func (t *MemTransport) remove(c *memConn) {
	t.mu.Lock()
	_, ok := t.conns[c.id]
	delete(t.conns, c.id)
	t.mu.Unlock()
	if ok {
		t.observer.ConnectionTerminated(c)
	}
}

func (t *MemTransport) Connect(ctx context.Context, contactPoint string) (core.Connection, error) {
	target, ok := t.net.node(state.NodeId(contactPoint))
	if !ok || target == t {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, contactPoint)
	}
	// the handshake needs a round trip
	if !t.net.travel(t.self, target.self) || !t.net.travel(target.self, t.self) {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, contactPoint)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	local := &memConn{id: id, local: t.self, remote: target.self, t: t, ready: make(chan struct{}), pending: make(map[uint64]func(state.Response))}
	remote := &memConn{id: id, local: target.self, remote: t.self, t: target, ready: make(chan struct{}), pending: make(map[uint64]func(state.Response))}
	local.peer = remote
	remote.peer = local

	if !target.register(remote) {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, contactPoint)
	}
	if !t.register(local) {
		target.forget(remote)
		return nil, net.ErrClosed
	}
	target.observer.ConnectionEstablished(remote, false)
	close(remote.ready)
	t.observer.ConnectionEstablished(local, true)
	close(local.ready)
	return local, nil
}

func (t *MemTransport) Send(payload []byte, md state.Metadata, conn core.Connection, onResponse func(state.Response)) {
	c, ok := conn.(*memConn)
	if !ok || c.t != t {
		onResponse(state.Fail(state.CodeSendFailed, "connection %s does not belong to this transport", conn.Id()))
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		onResponse(state.Fail(state.CodeClosed, "connection to %s is closed", c.remote))
		return
	}
	c.nextId++
	id := c.nextId
	c.pending[id] = onResponse
	c.mu.Unlock()
	t.net.deliver(c, id, payload, md.Clone())
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.net.mu.Lock()
	if t.net.nodes[t.self] == t {
		delete(t.net.nodes, t.self)
	}
	t.net.mu.Unlock()

	for _, c := range t.connections() {
		c.close(net.ErrClosed)
	}
	return nil
}
