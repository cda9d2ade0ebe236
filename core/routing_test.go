package core

import (
	"context"
	"testing"
	"time"

	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type routingFixture struct {
	*testNode
	rs *RoutingService
}

// newRoutingFixture builds node a with a neighbour b that reaches c
func newRoutingFixture(t *testing.T, deliverer Deliverer, timeout time.Duration) *routingFixture {
	n := newTestNode("a")
	n.pm.ConnectionEstablished(newConn("b", "ab"), false)
	require.True(t, n.graph.Update(advert("b", 1, link("b", "a", "ab"), link("b", "c", "bc"))))
	require.True(t, n.graph.Update(advert("c", 1, link("c", "b", "bc"))))
	n.transport.Take()
	n.stats.SendSuccess.Store(0)
	n.stats.SendFailure.Store(0)
	rs := NewRoutingService(context.Background(), n.graph, n.conns, n.transport, deliverer, n.stats, timeout, testLogger())
	return &routingFixture{testNode: n, rs: rs}
}

func receive(t *testing.T, ch <-chan state.Response) state.Response {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(waitFor):
		t.Fatal("no response")
		return state.Response{}
	}
}

func TestRoutedRequestNoRoute(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newRoutingFixture(t, nil, time.Second)
	ch := f.rs.PerformRoutedRequest(context.Background(), []byte("x"), "nowhere", "")
	// the response is available without waiting
	require.Len(t, ch, 1)
	res := <-ch
	assert.False(t, res.Success)
	assert.Equal(t, state.CodeNoRoute, res.Code)
	assert.Empty(t, f.transport.Take())
}

func TestRoutedRequestForwards(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newRoutingFixture(t, nil, time.Second)
	f.transport.Responder = func(conn Connection, payload []byte, md state.Metadata) (state.Response, bool) {
		return state.Ok(append([]byte("re: "), payload...)), true
	}
	res := receive(t, f.rs.PerformRoutedRequest(context.Background(), []byte("hi"), "c", "work"))
	require.True(t, res.Success, res.String())
	assert.Equal(t, []byte("re: hi"), res.Payload)

	sent := f.transport.Take()
	require.Len(t, sent, 1)
	md := sent[0].Md
	assert.Equal(t, state.NodeId("b"), sent[0].Conn.Remote())
	assert.Equal(t, state.NodeId("c"), md.Receiver())
	assert.Equal(t, state.NodeId("a"), md.Origin())
	assert.Equal(t, state.TopicRouted, md.Topic())
	assert.Equal(t, "work", md.Category())
	assert.Equal(t, uint32(0), md.HopCount())
	assert.Equal(t, []state.NodeId{"a"}, md.Trace())
	assert.NotEmpty(t, md.MessageId())
	assert.Equal(t, uint64(1), f.stats.SendSuccess.Load())
}

func TestRoutedRequestTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newRoutingFixture(t, nil, 50*time.Millisecond)
	f.transport.Responder = func(conn Connection, payload []byte, md state.Metadata) (state.Response, bool) {
		return state.Response{}, false
	}
	start := time.Now()
	ch := f.rs.PerformRoutedRequest(context.Background(), []byte("hi"), "c", "")
	res := receive(t, ch)
	assert.Equal(t, state.CodeTimeout, res.Code)
	assert.False(t, res.Success)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// the reply arriving late is discarded, and nothing else is ever produced
	sent := f.transport.Take()
	require.Len(t, sent, 1)
	sent[0].OnResponse(state.Ok([]byte("late")))
	f.rs.Wait()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ch, 0)
	assert.Equal(t, uint64(1), f.stats.SendFailure.Load())
}

func TestRoutedRequestInterrupted(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newRoutingFixture(t, nil, time.Minute)
	f.transport.Responder = func(conn Connection, payload []byte, md state.Metadata) (state.Response, bool) {
		return state.Response{}, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := f.rs.PerformRoutedRequest(ctx, nil, "c", "")
	cancel()
	assert.Equal(t, state.CodeInterrupted, receive(t, ch).Code)
	f.rs.Wait()
}

func TestRoutedRequestDownstreamFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newRoutingFixture(t, nil, time.Second)
	f.transport.Responder = func(conn Connection, payload []byte, md state.Metadata) (state.Response, bool) {
		return state.Response{Success: false, Error: "exploded"}, true
	}
	res := receive(t, f.rs.PerformRoutedRequest(context.Background(), nil, "c", ""))
	assert.False(t, res.Success)
	assert.Equal(t, state.CodeRemoteError, res.Code)
	assert.Equal(t, "exploded", res.Error)
}

func TestRoutedRequestToSelf(t *testing.T) {
	defer goleak.VerifyNone(t)
	var got RoutedMessage
	deliverer := DelivererFunc(func(ctx context.Context, msg RoutedMessage) state.Response {
		got = msg
		return state.Ok([]byte("delivered"))
	})
	f := newRoutingFixture(t, deliverer, time.Second)
	res := receive(t, f.rs.PerformRoutedRequest(context.Background(), []byte("local"), "a", "job"))
	require.True(t, res.Success)
	assert.Equal(t, []byte("delivered"), res.Payload)
	assert.Equal(t, []byte("local"), got.Payload)
	assert.Equal(t, "job", got.Category)
	assert.Equal(t, state.NodeId("a"), got.Origin)
	assert.Empty(t, f.transport.Take())
}

func TestHandleRoutedAtDestination(t *testing.T) {
	delivered := 0
	deliverer := DelivererFunc(func(ctx context.Context, msg RoutedMessage) state.Response {
		delivered++
		assert.Equal(t, []state.NodeId{"c", "b", "a"}, msg.Trace)
		return state.Ok([]byte("done"))
	})
	f := newRoutingFixture(t, deliverer, time.Second)
	md := state.Metadata{
		state.MdOrigin:    "c",
		state.MdReceiver:  "a",
		state.MdMessageId: "m1",
		state.MdTopic:     state.TopicRouted,
		state.MdTrace:     "c,b",
	}
	md.SetHopCount(1)

	res := f.rs.HandleRouted(newConn("b", "ab"), []byte("job"), md)
	require.True(t, res.Success)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, "c,b,a", res.Metadata[state.MdTrace])
	assert.Equal(t, "2", res.Metadata[state.MdHopCount])
	assert.Equal(t, "1", md[state.MdHopCount])
}

func TestHealthCheckEchoes(t *testing.T) {
	f := newRoutingFixture(t, nil, time.Second)
	md := state.Metadata{
		state.MdOrigin:   "c",
		state.MdReceiver: "a",
		state.MdCategory: state.CategoryHealthCheck,
		state.MdTrace:    "c",
	}
	res := f.rs.HandleRouted(newConn("b", "ab"), []byte("ping"), md)
	require.True(t, res.Success)
	assert.Equal(t, []byte("ping"), res.Payload)

	res = receive(t, f.rs.HealthCheck(context.Background(), "a", []byte("self")))
	assert.Equal(t, []byte("self"), res.Payload)
}

func TestHandleRoutedForwardsOneHop(t *testing.T) {
	f := newRoutingFixture(t, nil, time.Second)
	f.transport.Responder = func(conn Connection, payload []byte, md state.Metadata) (state.Response, bool) {
		return state.Ok([]byte("from c")), true
	}
	md := state.Metadata{
		state.MdOrigin:   "x",
		state.MdSender:   "x",
		state.MdReceiver: "c",
		state.MdTrace:    "x",
	}
	md.SetHopCount(4)
	res := f.rs.HandleRouted(newConn("x", "xa"), []byte("job"), md)
	require.True(t, res.Success)

	sent := f.transport.Take()
	require.Len(t, sent, 1)
	fwd := sent[0].Md
	assert.Equal(t, uint32(5), fwd.HopCount())
	assert.Equal(t, []state.NodeId{"x", "a"}, fwd.Trace())
	assert.Equal(t, state.NodeId("a"), fwd.Sender())
	assert.Equal(t, state.NodeId("b"), sent[0].Conn.Remote())
}

func TestHandleRoutedDetectsLoop(t *testing.T) {
	f := newRoutingFixture(t, nil, time.Second)
	md := state.Metadata{
		state.MdReceiver: "c",
		state.MdTrace:    "x,a,b",
	}
	res := f.rs.HandleRouted(newConn("b", "ab"), nil, md)
	assert.Equal(t, state.CodeLoop, res.Code)
	assert.Empty(t, f.transport.Take())
}

func TestHandleRoutedWithoutDeliverer(t *testing.T) {
	f := newRoutingFixture(t, nil, time.Second)
	res := f.rs.HandleRouted(newConn("b", "ab"), nil, state.Metadata{state.MdReceiver: "a"})
	assert.False(t, res.Success)
	assert.Equal(t, state.CodeRemoteError, res.Code)
}
