package core

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	id     string
	remote state.NodeId
}

func (c mockConn) Id() string           { return c.id }
func (c mockConn) Remote() state.NodeId { return c.remote }

func newConn(remote state.NodeId, id string) Connection {
	return mockConn{id: id, remote: remote}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// SentMessage is one call to Send observed by the RecordingTransport
type SentMessage struct {
	Conn       Connection
	Payload    []byte
	Md         state.Metadata
	OnResponse func(state.Response)
}

func (m SentMessage) String() string {
	return fmt.Sprintf("%s -> %s [%s]", m.Md.Topic(), m.Conn.Remote(), m.Md.MessageId())
}

// Responder decides how the recording transport answers a send. Returning false leaves the send pending.
type Responder func(conn Connection, payload []byte, md state.Metadata) (state.Response, bool)

// RecordingTransport records every send instead of touching the network
type RecordingTransport struct {
	mu        sync.Mutex
	sent      []SentMessage
	Responder Responder
	closed    bool
}

func (r *RecordingTransport) Start(ctx context.Context, self state.NodeId, handler Handler, observer LinkObserver) error {
	return nil
}

func (r *RecordingTransport) Send(payload []byte, md state.Metadata, conn Connection, onResponse func(state.Response)) {
	r.mu.Lock()
	r.sent = append(r.sent, SentMessage{Conn: conn, Payload: payload, Md: md, OnResponse: onResponse})
	responder := r.Responder
	r.mu.Unlock()
	if responder == nil {
		onResponse(state.Ok(nil))
		return
	}
	if res, ok := responder(conn, payload, md); ok {
		onResponse(res)
	}
}

func (r *RecordingTransport) Connect(ctx context.Context, contactPoint string) (Connection, error) {
	return nil, fmt.Errorf("cannot dial %s", contactPoint)
}

func (r *RecordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Take returns and forgets everything sent so far
func (r *RecordingTransport) Take() SentMessages {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

type SentMessages []SentMessage

func (s SentMessages) Topic(topic string) SentMessages {
	var out SentMessages
	for _, m := range s {
		if m.Md.Topic() == topic {
			out = append(out, m)
		}
	}
	return out
}

func (s SentMessages) String() string {
	out := make([]string, 0, len(s))
	for _, m := range s {
		out = append(out, m.String())
	}
	slices.Sort(out)
	return strings.Join(out, "\n")
}

// Advertisements decodes every advertisement in the recorded sends
func (s SentMessages) Advertisements(t *testing.T) []state.Advertisement {
	t.Helper()
	var out []state.Advertisement
	for _, m := range s.Topic(state.TopicLsa) {
		adv, err := protocol.DecodeAdvertisement(m.Payload)
		require.NoError(t, err)
		out = append(out, adv)
	}
	return out
}

type testNode struct {
	graph     *TopologyGraph
	conns     *ConnectionTable
	stats     *Stats
	buffer    *MessageBuffer
	transport *RecordingTransport
	pm        *ProtocolManager
}

func newTestNode(self state.NodeId) *testNode {
	stats := NewStats(state.DefaultMaxTtl)
	n := &testNode{
		graph:     NewTopologyGraph(state.TopologyNode{Id: self}, testLogger(), stats, nil),
		conns:     NewConnectionTable(),
		stats:     stats,
		buffer:    NewMessageBuffer(state.DedupCapacity),
		transport: &RecordingTransport{},
	}
	n.pm = NewProtocolManager(n.graph, n.conns, n.buffer, n.stats, n.transport, testLogger())
	// floods stay observable one call at a time
	n.pm.SetReadvertiseDelay(-1)
	return n
}

func link(src, dst state.NodeId, id string) state.TopologyLink {
	return state.TopologyLink{Source: src, Destination: dst, ConnectionId: id}
}

func advert(owner state.NodeId, seqno uint64, links ...state.TopologyLink) state.Advertisement {
	return state.Advertisement{Owner: owner, Seqno: seqno, Links: links}
}

func lsaMetadata(sender state.NodeId, id string, hops uint32) state.Metadata {
	md := state.Metadata{
		state.MdSender:    string(sender),
		state.MdMessageId: id,
		state.MdTopic:     state.TopicLsa,
	}
	md.SetHopCount(hops)
	return md
}
