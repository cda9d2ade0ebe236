package impl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/google/uuid"
	"golang.org/x/net/netutil"
)

// TcpTransport carries length-prefixed envelopes over TCP. Each side introduces itself with a
// hello that carries its node id; the dialer picks the connection id.
type TcpTransport struct {
	listen   string
	maxConns int
	log      *slog.Logger

	self     state.NodeId
	handler  core.Handler
	observer core.LinkObserver
	listener net.Listener

	mu     sync.Mutex
	links  map[string]*TCPLink
	closed bool
	wg     sync.WaitGroup
}

func NewTcpTransport(listen string, maxConns int, log *slog.Logger) *TcpTransport {
	if maxConns <= 0 {
		maxConns = state.MaxConnections
	}
	return &TcpTransport{
		listen:   listen,
		maxConns: maxConns,
		log:      log,
		links:    make(map[string]*TCPLink),
	}
}

func (t *TcpTransport) Start(ctx context.Context, self state.NodeId, handler core.Handler, observer core.LinkObserver) error {
	t.self = self
	t.handler = handler
	t.observer = observer
	if t.listen == "" {
		return nil
	}
	config := net.ListenConfig{}
	listener, err := config.Listen(ctx, "tcp", t.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.listen, err)
	}
	t.listener = netutil.LimitListener(listener, t.maxConns)
	t.log.Info("listening on", "addr", listener.Addr())
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or nil if the transport does not listen
func (t *TcpTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TcpTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("failed to accept connection", "err", err)
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), state.HandshakeDelay)
			defer cancel()
			if _, err := t.handshake(ctx, conn, false); err != nil {
				t.log.Debug("inbound handshake failed", "addr", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

func (t *TcpTransport) Connect(ctx context.Context, contactPoint string) (core.Connection, error) {
	addr, err := state.ResolveContactPoint(ctx, contactPoint)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	link, err := t.handshake(ctx, conn, true)
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (t *TcpTransport) handshake(ctx context.Context, conn net.Conn, initiator bool) (*TCPLink, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(state.HandshakeDelay)
	}
	_ = conn.SetDeadline(deadline)

	hello := protocol.Envelope{Kind: protocol.KindHello, NodeId: t.self}
	var remote protocol.Envelope
	var err error
	if initiator {
		hello.ConnectionId = uuid.NewString()
		if err = sendEnvelope(conn, hello); err == nil {
			remote, err = receiveEnvelope(conn)
		}
		remote.ConnectionId = hello.ConnectionId
	} else {
		if remote, err = receiveEnvelope(conn); err == nil {
			hello.ConnectionId = remote.ConnectionId
			err = sendEnvelope(conn, hello)
		}
	}
	if err == nil {
		switch {
		case remote.Kind != protocol.KindHello:
			err = fmt.Errorf("expected hello, got %s", remote.Kind)
		case remote.NodeId == "" || remote.ConnectionId == "":
			err = errors.New("hello is missing the node or connection id")
		case remote.NodeId == t.self:
			err = errors.New("refusing to connect to self")
		}
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	link := newTCPLink(t, conn, remote.ConnectionId, remote.NodeId, initiator)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return nil, net.ErrClosed
	}
	if _, dup := t.links[link.id]; dup {
		t.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("duplicate connection id %s", link.id)
	}
	t.links[link.id] = link
	t.wg.Add(2)
	t.mu.Unlock()

	t.log.Debug("connection established", "remote", link.remote, "id", link.id, "initiator", initiator)
	t.observer.ConnectionEstablished(link, initiator)
	close(link.ready)
	go func() {
		defer t.wg.Done()
		link.writeLoop()
	}()
	go func() {
		defer t.wg.Done()
		link.readLoop()
	}()
	return link, nil
}

func (t *TcpTransport) remove(link *TCPLink, reason error) {
	t.mu.Lock()
	_, ok := t.links[link.id]
	delete(t.links, link.id)
	t.mu.Unlock()
	if ok {
		t.log.Debug("connection terminated", "remote", link.remote, "id", link.id, "reason", reason)
		t.observer.ConnectionTerminated(link)
	}
}

func (t *TcpTransport) Send(payload []byte, md state.Metadata, conn core.Connection, onResponse func(state.Response)) {
	link, ok := conn.(*TCPLink)
	if !ok || link.t != t {
		onResponse(state.Fail(state.CodeSendFailed, "connection %s does not belong to this transport", conn.Id()))
		return
	}
	link.request(payload, md, onResponse)
}

// Disconnect closes the connection with the given id
func (t *TcpTransport) Disconnect(id string) bool {
	t.mu.Lock()
	link, ok := t.links[id]
	t.mu.Unlock()
	if ok {
		link.close(errors.New("disconnected locally"))
	}
	return ok
}

func (t *TcpTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*TCPLink, 0, len(t.links))
	for _, link := range t.links {
		links = append(links, link)
	}
	t.mu.Unlock()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for _, link := range links {
		link.close(net.ErrClosed)
	}
	t.wg.Wait()
	return err
}
