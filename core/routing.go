package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/state"
	"github.com/google/uuid"
)

// RoutingService forwards application requests hop by hop along shortest paths.
// Every request yields exactly one response.
type RoutingService struct {
	ctx       context.Context
	self      state.NodeId
	graph     *TopologyGraph
	conns     *ConnectionTable
	transport Transport
	deliverer Deliverer
	stats     *Stats
	timeout   time.Duration
	log       *slog.Logger
	workers   sync.WaitGroup
}

func NewRoutingService(ctx context.Context, graph *TopologyGraph, conns *ConnectionTable, transport Transport, deliverer Deliverer, stats *Stats, timeout time.Duration, log *slog.Logger) *RoutingService {
	if timeout <= 0 {
		timeout = state.ForwardTimeout
	}
	return &RoutingService{
		ctx:       ctx,
		self:      graph.Self(),
		graph:     graph,
		conns:     conns,
		transport: transport,
		deliverer: deliverer,
		stats:     stats,
		timeout:   timeout,
		log:       log,
	}
}

func (r *RoutingService) Register(mux *Mux) {
	mux.Handle(state.TopicRouted, r.HandleRouted)
}

// PerformRoutedRequest sends payload towards dest. The returned channel receives exactly one response.
func (r *RoutingService) PerformRoutedRequest(ctx context.Context, payload []byte, dest state.NodeId, category string) <-chan state.Response {
	out := make(chan state.Response, 1)
	perf.RoutedPerSecond.Add(1)
	md := state.Metadata{
		state.MdSender:    string(r.self),
		state.MdOrigin:    string(r.self),
		state.MdReceiver:  string(dest),
		state.MdMessageId: uuid.NewString(),
		state.MdTopic:     state.TopicRouted,
	}
	if category != "" {
		md[state.MdCategory] = category
	}
	md.SetHopCount(0)
	md.AppendTrace(r.self)

	if dest == r.self {
		r.spawn(func() { out <- r.deliverLocal(ctx, payload, md) })
		return out
	}
	route := r.graph.ShortestPath(r.self, dest)
	if !route.Valid {
		r.log.Debug("no route", "dest", dest)
		out <- state.Fail(state.CodeNoRoute, "no route from %s to %s", r.self, dest)
		return out
	}
	r.spawn(func() { out <- r.forward(ctx, payload, md) })
	return out
}

// HealthCheck asks dest to echo body back
func (r *RoutingService) HealthCheck(ctx context.Context, dest state.NodeId, body []byte) <-chan state.Response {
	return r.PerformRoutedRequest(ctx, body, dest, state.CategoryHealthCheck)
}

func (r *RoutingService) spawn(fn func()) {
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		fn()
	}()
}

// Wait blocks until every in-flight request issued by this node has completed
func (r *RoutingService) Wait() {
	r.workers.Wait()
}

// HandleRouted serves a routed request arriving from a neighbour
func (r *RoutingService) HandleRouted(conn Connection, payload []byte, md state.Metadata) state.Response {
	md = md.Clone()
	hops := md.IncrementHopCount()
	if r.stats.ObserveHops(hops) {
		r.log.Debug("routed message exceeded max ttl", "hops", hops, "id", md.MessageId(), "origin", md.Origin())
	}
	if md.TraceContains(r.self) {
		r.log.Warn("routing loop detected", "id", md.MessageId(), "trace", md.Trace())
		return state.Fail(state.CodeLoop, "%s already forwarded message %s", r.self, md.MessageId())
	}
	md.AppendTrace(r.self)
	if md.Receiver() == r.self {
		return r.deliverLocal(r.ctx, payload, md)
	}
	md[state.MdSender] = string(r.self)
	return r.forward(r.ctx, payload, md)
}

func (r *RoutingService) deliverLocal(ctx context.Context, payload []byte, md state.Metadata) (res state.Response) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("deliverer panicked", "id", md.MessageId(), "panic", p)
			res = state.Fail(state.CodeRemoteError, "delivery failed: %v", p)
		}
		res.Metadata = state.Metadata{
			state.MdSender:    string(r.self),
			state.MdReceiver:  string(md.Origin()),
			state.MdMessageId: md.MessageId(),
			state.MdTrace:     md[state.MdTrace],
			state.MdHopCount:  md[state.MdHopCount],
		}
	}()
	if md.Category() == state.CategoryHealthCheck {
		return state.Ok(payload)
	}
	if r.deliverer == nil {
		return state.Fail(state.CodeRemoteError, "%s does not accept routed messages", r.self)
	}
	return r.deliverer.Deliver(ctx, RoutedMessage{
		Origin:    md.Origin(),
		MessageId: md.MessageId(),
		Category:  md.Category(),
		Payload:   payload,
		Trace:     md.Trace(),
		Metadata:  md,
	})
}

// forward sends the request to the next hop and blocks for at most the forward timeout
func (r *RoutingService) forward(ctx context.Context, payload []byte, md state.Metadata) state.Response {
	dest := md.Receiver()
	route := r.graph.ShortestPath(r.self, dest)
	next, ok := route.NextHop()
	if !ok {
		return state.Fail(state.CodeNoRoute, "no route from %s to %s", r.self, dest)
	}
	conn, ok := r.conns.Lookup(next.ConnectionId)
	if !ok {
		return state.Fail(state.CodeSendFailed, "connection %s to %s is gone", next.ConnectionId, next.Destination)
	}

	start := time.Now()
	corr := NewResponseCorrelator[state.Response]()
	r.transport.Send(payload, md, conn, func(res state.Response) {
		go corr.Deliver(res)
	})
	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := corr.WaitContext(wctx)
	perf.ForwardLatency.Add(float64(time.Since(start).Microseconds()))

	switch {
	case errors.Is(err, ErrTimeout):
		res = state.Fail(state.CodeTimeout, "%s did not respond within %s", next.Destination, r.timeout)
	case err != nil:
		res = state.Fail(state.CodeInterrupted, "forwarding to %s interrupted", next.Destination)
	case !res.Success && res.Code == state.CodeOk:
		res.Code = state.CodeRemoteError
	}
	r.stats.RecordSend(res)
	if !res.Success {
		r.log.Debug("forward failed", "id", md.MessageId(), "next", next.Destination, "dest", dest, "res", res)
	}
	return res
}
