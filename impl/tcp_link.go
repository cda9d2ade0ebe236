package impl

import (
	"net"
	"sync"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
)

const outboundQueue = 256

// TCPLink is one established connection of the TcpTransport
type TCPLink struct {
	id        string
	remote    state.NodeId
	initiator bool
	Conn      net.Conn
	t         *TcpTransport

	out       chan []byte
	done      chan struct{}
	ready     chan struct{}
	closeOnce sync.Once

	mutex   sync.Mutex
	pending map[uint64]func(state.Response)
	nextId  uint64
	closed  bool
}

func newTCPLink(t *TcpTransport, conn net.Conn, id string, remote state.NodeId, initiator bool) *TCPLink {
	return &TCPLink{
		id:        id,
		remote:    remote,
		initiator: initiator,
		Conn:      conn,
		t:         t,
		out:       make(chan []byte, outboundQueue),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		pending:   make(map[uint64]func(state.Response)),
	}
}

func (T *TCPLink) Id() string {
	return T.id
}

func (T *TCPLink) Remote() state.NodeId {
	return T.remote
}

func (T *TCPLink) IsRemote() bool {
	return !T.initiator
}

func (T *TCPLink) take(id uint64) (func(state.Response), bool) {
	T.mutex.Lock()
	defer T.mutex.Unlock()
	fn, ok := T.pending[id]
	delete(T.pending, id)
	return fn, ok
}

func (T *TCPLink) enqueue(frame []byte) bool {
	select {
	case <-T.done:
		return false
	default:
	}
	// a full queue holds the sender back until the writer catches up
	select {
	case T.out <- frame:
		return true
	case <-T.done:
		return false
	}
}

func (T *TCPLink) request(payload []byte, md state.Metadata, onResponse func(state.Response)) {
	T.mutex.Lock()
	if T.closed {
		T.mutex.Unlock()
		onResponse(state.Fail(state.CodeClosed, "connection to %s is closed", T.remote))
		return
	}
	T.nextId++
	id := T.nextId
	T.pending[id] = onResponse
	T.mutex.Unlock()

	frame := protocol.EncodeEnvelope(protocol.Envelope{
		Kind:      protocol.KindRequest,
		RequestId: id,
		Metadata:  md,
		Payload:   payload,
	})
	if !T.enqueue(frame) {
		// a closing link fails everything still pending by itself
		if fn, ok := T.take(id); ok {
			fn(state.Fail(state.CodeSendFailed, "connection to %s closed before sending", T.remote))
		}
	}
}

func (T *TCPLink) writeLoop() {
	for {
		select {
		case frame := <-T.out:
			if err := send(T.Conn, frame); err != nil {
				T.close(err)
				return
			}
		case <-T.done:
			return
		}
	}
}

func (T *TCPLink) readLoop() {
	for {
		env, err := receiveEnvelope(T.Conn)
		if err != nil {
			T.close(err)
			return
		}
		switch env.Kind {
		case protocol.KindRequest:
			T.t.wg.Add(1)
			go func() {
				defer T.t.wg.Done()
				res := T.t.handler.Serve(T, env.Payload, env.Metadata)
				T.enqueue(protocol.EncodeEnvelope(protocol.ResponseEnvelope(env.RequestId, res)))
			}()
		case protocol.KindResponse:
			if fn, ok := T.take(env.RequestId); ok {
				fn(env.Response())
			}
		default:
			T.t.log.Debug("unexpected envelope", "kind", env.Kind, "from", T.remote)
		}
	}
}

// close fails every pending request and reports the link as terminated, once
func (T *TCPLink) close(reason error) {
	T.closeOnce.Do(func() {
		T.mutex.Lock()
		T.closed = true
		pending := T.pending
		T.pending = make(map[uint64]func(state.Response))
		T.mutex.Unlock()

		close(T.done)
		_ = T.Conn.Close()
		for _, fn := range pending {
			fn(state.Fail(state.CodeClosed, "connection to %s closed: %v", T.remote, reason))
		}
		// the observer hears about the termination only after the establishment
		<-T.ready
		T.t.remove(T, reason)
	})
}
