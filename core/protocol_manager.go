package core

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/google/uuid"
)

// ProtocolManager floods link state. It reacts to connection lifecycle events and to
// advertisements received from neighbours.
type ProtocolManager struct {
	self      state.NodeId
	graph     *TopologyGraph
	conns     *ConnectionTable
	buffer    *MessageBuffer
	stats     *Stats
	transport Transport
	log       *slog.Logger

	// lifecycle keeps connection and link bookkeeping consistent with each other
	lifecycle sync.Mutex
	shutdown  atomic.Bool

	// readvertising publishes a changed topology hash once the topology settles
	readvertiseMu      sync.Mutex
	readvertiseDelay   time.Duration
	readvertise        *time.Timer
	pendingReadvertise bool
	advertised         state.GraphHash
}

func NewProtocolManager(graph *TopologyGraph, conns *ConnectionTable, buffer *MessageBuffer, stats *Stats, transport Transport, log *slog.Logger) *ProtocolManager {
	return &ProtocolManager{
		self:      graph.Self(),
		graph:     graph,
		conns:     conns,
		buffer:    buffer,
		stats:     stats,
		transport: transport,
		log:       log,

		readvertiseDelay: state.ReadvertiseDelay,
	}
}

// SetReadvertiseDelay sets how long an accepted topology change may go unannounced by this node.
// A negative delay leaves it to the periodic refresh.
func (p *ProtocolManager) SetReadvertiseDelay(delay time.Duration) {
	p.readvertiseMu.Lock()
	defer p.readvertiseMu.Unlock()
	p.readvertiseDelay = delay
}

// Register installs the advertisement handlers
func (p *ProtocolManager) Register(mux *Mux) {
	mux.Handle(state.TopicLsa, p.HandleLsa)
	mux.Handle(state.TopicLsaBatch, p.HandleLsaBatch)
}

func (p *ProtocolManager) newMetadata(topic string) state.Metadata {
	md := state.Metadata{
		state.MdSender:    string(p.self),
		state.MdOrigin:    string(p.self),
		state.MdMessageId: uuid.NewString(),
		state.MdTopic:     topic,
	}
	md.SetHopCount(0)
	return md
}

func (p *ProtocolManager) ConnectionEstablished(conn Connection, selfInitiated bool) {
	func() {
		p.lifecycle.Lock()
		defer p.lifecycle.Unlock()
		p.conns.Register(conn)
		p.graph.AddLink(p.self, conn.Remote(), conn.Id())
	}()

	if p.shutdown.Load() {
		return
	}
	p.log.Info("connection established", "remote", conn.Remote(), "conn", conn.Id(), "initiator", selfInitiated)
	if !selfInitiated {
		p.floodLocal()
		return
	}

	batch := p.graph.GenerateLsaBatchOfAllNodes()
	md := p.newMetadata(state.TopicLsaBatch)
	md[state.MdReceiver] = string(conn.Remote())
	p.stats.LsaSent.Add(uint64(len(batch)))
	p.transport.Send(protocol.EncodeBatch(batch), md, conn, func(res state.Response) {
		p.stats.RecordSend(res)
		p.syncCompleted(conn, res)
	})
}

func (p *ProtocolManager) syncCompleted(conn Connection, res state.Response) {
	if !res.Success {
		p.log.Warn("initial sync failed", "remote", conn.Remote(), "res", res)
	} else if batch, err := protocol.DecodeBatch(res.Payload); err != nil {
		p.log.Warn("undecodable sync response", "remote", conn.Remote(), "error", err)
	} else {
		p.merge(batch)
	}
	if !p.shutdown.Load() {
		p.floodLocal()
	}
}

func (p *ProtocolManager) ConnectionTerminated(conn Connection) {
	func() {
		p.lifecycle.Lock()
		defer p.lifecycle.Unlock()
		link, ok := p.graph.LinkByConnection(p.self, conn.Id())
		if !ok {
			panic("terminated connection " + conn.Id() + " has no link")
		}
		p.graph.RemoveLink(link)
		p.conns.Unregister(conn.Id())
	}()

	if p.shutdown.Load() {
		return
	}
	p.log.Info("connection terminated", "remote", conn.Remote(), "conn", conn.Id())
	p.floodLocal()
}

// HandleLsa accepts a flooded advertisement and floods it onward when it is new
func (p *ProtocolManager) HandleLsa(conn Connection, payload []byte, md state.Metadata) state.Response {
	p.stats.LsaReceived.Add(1)
	perf.LsaPerSecond.Add(1)
	p.observeHops(md)
	if id := md.MessageId(); id != "" && p.buffer.Remember(id, payload) {
		p.stats.LsaDuplicates.Add(1)
		return state.Ok(nil)
	}
	adv, err := protocol.DecodeAdvertisement(payload)
	if err != nil {
		p.log.Warn("dropping undecodable advertisement", "from", conn.Remote(), "error", err)
		return state.Fail(state.CodeSerialization, "%v", err)
	}
	if p.shutdown.Load() {
		return state.Ok(nil)
	}
	if adv.Owner == p.self {
		p.observeOwn(adv)
		return state.Ok(nil)
	}
	if p.graph.Update(adv) {
		fwd := md.Clone()
		fwd.IncrementHopCount()
		fwd[state.MdSender] = string(p.self)
		p.flood(adv, fwd)
		p.topologyChanged()
	}
	return state.Ok(nil)
}

// HandleLsaBatch merges a batch sent by a newly connected neighbour and replies with the full local view
func (p *ProtocolManager) HandleLsaBatch(conn Connection, payload []byte, md state.Metadata) state.Response {
	p.observeHops(md)
	batch, err := protocol.DecodeBatch(payload)
	if err != nil {
		p.log.Warn("dropping undecodable advertisement batch", "from", conn.Remote(), "error", err)
		return state.Fail(state.CodeSerialization, "%v", err)
	}
	if !p.shutdown.Load() {
		p.merge(batch)
	}
	reply := p.graph.GenerateLsaBatchOfAllNodes()
	p.stats.LsaSent.Add(uint64(len(reply)))
	return state.Ok(protocol.EncodeBatch(reply))
}

func (p *ProtocolManager) merge(batch state.AdvertisementBatch) {
	p.stats.LsaReceived.Add(uint64(len(batch)))
	for _, owner := range batch.Owners() {
		adv := batch[owner]
		if owner == p.self {
			p.observeOwn(adv)
			continue
		}
		if p.graph.Update(adv) {
			md := p.newMetadata(state.TopicLsa)
			md[state.MdOrigin] = string(owner)
			p.flood(adv, md)
			p.topologyChanged()
		}
	}
}

// topologyChanged schedules a fresh local advertisement when the hash this node last
// advertised is out of date, so that neighbours can observe the new hash
func (p *ProtocolManager) topologyChanged() {
	p.readvertiseMu.Lock()
	defer p.readvertiseMu.Unlock()
	if p.readvertiseDelay < 0 || p.pendingReadvertise || p.shutdown.Load() {
		return
	}
	if p.graph.Hash() == p.advertised {
		return
	}
	p.pendingReadvertise = true
	p.readvertise = time.AfterFunc(p.readvertiseDelay, p.readvertiseNow)
}

func (p *ProtocolManager) readvertiseNow() {
	p.readvertiseMu.Lock()
	p.pendingReadvertise = false
	stale := p.graph.Hash() != p.advertised
	p.readvertiseMu.Unlock()
	if stale && !p.shutdown.Load() {
		p.log.Debug("re-advertising changed topology hash", "hash", p.graph.Hash())
		p.floodLocal()
	}
}

// observeOwn recovers the local sequence number, which does not survive a restart
func (p *ProtocolManager) observeOwn(adv state.Advertisement) {
	if p.graph.ObserveOwn(adv) {
		p.log.Info("own advertisement from a previous run is newer, re-advertising", "seqno", adv.Seqno)
		p.floodLocal()
	}
}

func (p *ProtocolManager) observeHops(md state.Metadata) {
	hops := md.HopCount()
	if p.stats.ObserveHops(hops) {
		p.log.Debug("message exceeded max ttl", "hops", hops, "ttl", p.stats.MaxTtl.Load(), "id", md.MessageId())
	}
}

func (p *ProtocolManager) floodLocal() {
	adv := p.graph.GenerateLsa()
	p.readvertiseMu.Lock()
	p.advertised = adv.GraphHash
	p.readvertiseMu.Unlock()
	md := p.newMetadata(state.TopicLsa)
	p.buffer.Remember(md.MessageId(), nil)
	p.flood(adv, md)
}

// flood sends adv to every neighbour in random order. Sends are asynchronous; the returned
// channel is closed once every neighbour has answered.
func (p *ProtocolManager) flood(adv state.Advertisement, md state.Metadata) <-chan struct{} {
	done := make(chan struct{})
	payload := protocol.EncodeAdvertisement(adv)
	neighbours := p.conns.All()
	rand.Shuffle(len(neighbours), func(i, j int) {
		neighbours[i], neighbours[j] = neighbours[j], neighbours[i]
	})
	perf.FloodFanout.Add(float64(len(neighbours)))
	p.log.Debug("flooding advertisement", "adv", adv, "neighbours", len(neighbours), "hops", md.HopCount())
	if len(neighbours) == 0 {
		close(done)
		return done
	}
	var remaining atomic.Int64
	remaining.Store(int64(len(neighbours)))
	for _, conn := range neighbours {
		cur := md.Clone()
		cur[state.MdReceiver] = string(conn.Remote())
		p.stats.LsaSent.Add(1)
		p.transport.Send(payload, cur, conn, func(res state.Response) {
			defer func() {
				if remaining.Add(-1) == 0 {
					close(done)
				}
			}()
			p.stats.RecordSend(res)
			if !res.Success {
				p.log.Debug("advertisement send failed", "to", conn.Remote(), "res", res)
			}
		})
	}
	return done
}

// Refresh re-advertises the local links under a new sequence number
func (p *ProtocolManager) Refresh() {
	if p.shutdown.Load() {
		return
	}
	p.floodLocal()
}

// AnnounceShutdown floods a single shutdown advertisement and waits up to timeout for it to be sent.
// Every later event is only used for bookkeeping.
func (p *ProtocolManager) AnnounceShutdown(timeout time.Duration) {
	if p.shutdown.Swap(true) {
		return
	}
	p.readvertiseMu.Lock()
	if p.readvertise != nil {
		p.readvertise.Stop()
	}
	p.pendingReadvertise = false
	p.readvertiseMu.Unlock()

	adv := p.graph.GenerateShutdownLsa()
	md := p.newMetadata(state.TopicLsa)
	p.buffer.Remember(md.MessageId(), nil)
	p.log.Info("announcing shutdown", "seqno", adv.Seqno)
	done := p.flood(adv, md)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.log.Warn("shutdown announcement was not acknowledged in time")
	}
}

func (p *ProtocolManager) ShuttingDown() bool {
	return p.shutdown.Load()
}
