package core

import (
	"testing"
	"time"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRemoteInitiatedConnection(t *testing.T) {
	n := newTestNode("a")
	conn := newConn("b", "c1")
	n.pm.ConnectionEstablished(conn, false)

	_, ok := n.conns.Lookup("c1")
	assert.True(t, ok)
	sent := n.transport.Take()
	require.Len(t, sent, 1, sent.String())
	assert.Empty(t, sent.Topic(state.TopicLsaBatch), "only the initiator starts a batch exchange")

	advs := sent.Advertisements(t)
	assert.Equal(t, uint64(1), advs[0].Seqno)
	assert.Equal(t, []state.TopologyLink{link("a", "b", "c1")}, advs[0].Links)
	assert.Equal(t, "b", sent[0].Md[state.MdReceiver])
}

func TestSelfInitiatedConnectionSyncs(t *testing.T) {
	n := newTestNode("a")
	remote := state.AdvertisementBatch{
		"b": advert("b", 3, link("b", "a", "c1"), link("b", "c", "bc")),
		"c": advert("c", 8, link("c", "b", "bc")),
	}
	n.transport.Responder = func(conn Connection, payload []byte, md state.Metadata) (state.Response, bool) {
		if md.Topic() == state.TopicLsaBatch {
			return state.Ok(protocol.EncodeBatch(remote)), true
		}
		return state.Ok(nil), true
	}
	n.pm.ConnectionEstablished(newConn("b", "c1"), true)

	sent := n.transport.Take()
	batches := sent.Topic(state.TopicLsaBatch)
	require.Len(t, batches, 1)
	offered, err := protocol.DecodeBatch(batches[0].Payload)
	require.NoError(t, err)
	assert.Empty(t, offered, "a fresh node has nothing to offer")

	// both accepted entries are flooded individually, then a fresh local advertisement
	advs := sent.Advertisements(t)
	require.Len(t, advs, 3, sent.String())
	owners := []state.NodeId{advs[0].Owner, advs[1].Owner}
	assert.ElementsMatch(t, []state.NodeId{"b", "c"}, owners)
	assert.Equal(t, state.NodeId("a"), advs[2].Owner)

	route := n.graph.ShortestPath("a", "c")
	require.True(t, route.Valid)
	assert.Equal(t, 2, route.Hops())
}

func TestFailedSyncStillFloods(t *testing.T) {
	for name, res := range map[string]state.Response{
		"failure":   state.Fail(state.CodeTimeout, "no answer"),
		"malformed": state.Ok([]byte{0xff, 0xff}),
	} {
		t.Run(name, func(t *testing.T) {
			n := newTestNode("a")
			n.transport.Responder = func(conn Connection, payload []byte, md state.Metadata) (state.Response, bool) {
				if md.Topic() == state.TopicLsaBatch {
					return res, true
				}
				return state.Ok(nil), true
			}
			n.pm.ConnectionEstablished(newConn("b", "c1"), true)
			advs := n.transport.Take().Advertisements(t)
			require.Len(t, advs, 1)
			assert.Equal(t, state.NodeId("a"), advs[0].Owner)
		})
	}
}

func TestHandleLsaFloodsAcceptedAdvertisement(t *testing.T) {
	n := newTestNode("a")
	n.pm.ConnectionEstablished(newConn("b", "c1"), false)
	n.pm.ConnectionEstablished(newConn("c", "c2"), false)
	n.transport.Take()

	adv := advert("d", 1, link("d", "b", "db"))
	md := lsaMetadata("b", "msg-1", 2)
	res := n.pm.HandleLsa(newConn("b", "c1"), protocol.EncodeAdvertisement(adv), md)
	assert.True(t, res.Success)

	sent := n.transport.Take()
	require.Len(t, sent, 2, "no split horizon: every neighbour gets the flood")
	for _, m := range sent {
		assert.Equal(t, "msg-1", m.Md.MessageId())
		assert.Equal(t, uint32(3), m.Md.HopCount())
		assert.Equal(t, "a", m.Md[state.MdSender])
		got, err := protocol.DecodeAdvertisement(m.Payload)
		require.NoError(t, err)
		assert.Equal(t, adv, got)
	}
	assert.Equal(t, "2", md[state.MdHopCount], "the received metadata is not modified")
	receivers := []string{sent[0].Md[state.MdReceiver], sent[1].Md[state.MdReceiver]}
	assert.ElementsMatch(t, []string{"b", "c"}, receivers)

	// the same message arriving over another path is dropped
	res = n.pm.HandleLsa(newConn("c", "c2"), protocol.EncodeAdvertisement(adv), lsaMetadata("c", "msg-1", 3))
	assert.True(t, res.Success)
	assert.Empty(t, n.transport.Take())
	assert.Equal(t, uint64(1), n.stats.LsaDuplicates.Load())

	// a stale advertisement under a new message id is rejected and not flooded
	n.pm.HandleLsa(newConn("c", "c2"), protocol.EncodeAdvertisement(adv), lsaMetadata("c", "msg-2", 1))
	assert.Empty(t, n.transport.Take())
	assert.Equal(t, uint64(1), n.stats.LsaRejected.Load())
}

func TestHandleLsaMalformed(t *testing.T) {
	n := newTestNode("a")
	res := n.pm.HandleLsa(newConn("b", "c1"), []byte{0x0a, 0x10}, lsaMetadata("b", "m", 0))
	assert.False(t, res.Success)
	assert.Equal(t, state.CodeSerialization, res.Code)

	res = n.pm.HandleLsaBatch(newConn("b", "c1"), []byte{0xff}, lsaMetadata("b", "m2", 0))
	assert.Equal(t, state.CodeSerialization, res.Code)
}

func TestHandleLsaTracksTtl(t *testing.T) {
	n := newTestNode("a")
	n.stats.MaxTtl.Store(2)
	res := n.pm.HandleLsa(newConn("b", "c1"), protocol.EncodeAdvertisement(advert("b", 1)), lsaMetadata("b", "m", 5))
	assert.True(t, res.Success, "exceeding the ttl is only counted")
	assert.Equal(t, uint64(1), n.stats.TtlExceeded.Load())
	_, ok := n.graph.Node("b")
	assert.True(t, ok)
}

func TestOwnAdvertisementRaisesSeqno(t *testing.T) {
	n := newTestNode("a")
	n.pm.ConnectionEstablished(newConn("b", "c1"), false)
	n.transport.Take()

	stale := advert("a", 17, link("a", "x", "old"))
	n.pm.HandleLsa(newConn("b", "c1"), protocol.EncodeAdvertisement(stale), lsaMetadata("b", "m", 4))

	advs := n.transport.Take().Advertisements(t)
	require.Len(t, advs, 1)
	assert.Equal(t, uint64(18), advs[0].Seqno)
	assert.Equal(t, []state.TopologyLink{link("a", "b", "c1")}, advs[0].Links)

	// an echo of the current advertisement changes nothing
	n.pm.HandleLsa(newConn("b", "c1"), protocol.EncodeAdvertisement(advs[0]), lsaMetadata("b", "m-echo", 2))
	assert.Empty(t, n.transport.Take())
}

func TestHandleLsaBatchRequest(t *testing.T) {
	n := newTestNode("a")
	n.pm.ConnectionEstablished(newConn("b", "c1"), false)
	n.pm.ConnectionEstablished(newConn("c", "c2"), false)
	n.transport.Take()

	incoming := state.AdvertisementBatch{
		"d": advert("d", 2, link("d", "e", "de")),
		"e": advert("e", 1, link("e", "d", "de")),
	}
	res := n.pm.HandleLsaBatch(newConn("b", "c1"), protocol.EncodeBatch(incoming), lsaMetadata("b", "sync", 0))
	require.True(t, res.Success)

	reply, err := protocol.DecodeBatch(res.Payload)
	require.NoError(t, err)
	assert.Equal(t, []state.NodeId{"a", "d", "e"}, reply.Owners())
	assert.Equal(t, incoming["d"], reply["d"])

	// each accepted entry goes to both neighbours
	advs := n.transport.Take().Advertisements(t)
	assert.Len(t, advs, 4)
}

func TestConnectionTerminated(t *testing.T) {
	n := newTestNode("a")
	conn := newConn("b", "c1")
	n.pm.ConnectionEstablished(conn, false)
	n.pm.ConnectionEstablished(newConn("c", "c2"), false)
	n.transport.Take()

	n.pm.ConnectionTerminated(conn)
	_, ok := n.conns.Lookup("c1")
	assert.False(t, ok)
	assert.Equal(t, []state.NodeId{"c"}, n.graph.Successors("a"))

	sent := n.transport.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, "c", sent[0].Md[state.MdReceiver])
	advs := sent.Advertisements(t)
	assert.Equal(t, []state.TopologyLink{link("a", "c", "c2")}, advs[0].Links)

	assert.Panics(t, func() {
		n.pm.ConnectionTerminated(conn)
	})
	// the lifecycle lock is released on the panic path
	n.pm.ConnectionEstablished(newConn("d", "c3"), false)
	_, ok = n.conns.Lookup("c3")
	assert.True(t, ok)
}

func TestAnnounceShutdown(t *testing.T) {
	n := newTestNode("a")
	n.pm.ConnectionEstablished(newConn("b", "c1"), false)
	n.pm.ConnectionEstablished(newConn("c", "c2"), false)
	n.transport.Take()

	n.pm.AnnounceShutdown(time.Second)
	n.pm.AnnounceShutdown(time.Second)
	advs := n.transport.Take().Advertisements(t)
	require.Len(t, advs, 2, "one shutdown advertisement per neighbour")
	for _, adv := range advs {
		assert.Equal(t, state.ReasonShutdown, adv.Reason)
		assert.Empty(t, adv.Links)
	}

	// later events only update bookkeeping
	n.pm.ConnectionEstablished(newConn("d", "c3"), true)
	n.pm.ConnectionTerminated(newConn("b", "c1"))
	n.pm.Refresh()
	n.pm.HandleLsa(newConn("c", "c2"), protocol.EncodeAdvertisement(advert("z", 1)), lsaMetadata("c", "late", 1))
	assert.Empty(t, n.transport.Take())
	_, ok := n.graph.Node("z")
	assert.False(t, ok)
	assert.True(t, n.pm.ShuttingDown())
}

func TestAnnounceShutdownWaitIsBounded(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newTestNode("a")
	n.transport.Responder = func(conn Connection, payload []byte, md state.Metadata) (state.Response, bool) {
		return state.Response{}, false
	}
	n.pm.ConnectionEstablished(newConn("b", "c1"), false)
	n.pm.ConnectionEstablished(newConn("c", "c2"), false)
	n.transport.Take()

	start := time.Now()
	n.pm.AnnounceShutdown(50 * time.Millisecond)
	assert.Less(t, time.Since(start), waitFor)

	// answers arriving after the deadline are still accounted for
	pending := n.transport.Take()
	require.Len(t, pending, 2)
	before := n.stats.SendFailure.Load()
	for _, m := range pending {
		m.OnResponse(state.Fail(state.CodeClosed, "closed"))
	}
	assert.Equal(t, before+2, n.stats.SendFailure.Load())
}
