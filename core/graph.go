package core

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/weft/state"
	"golang.org/x/crypto/blake2b"
)

type linkKey struct {
	source state.NodeId
	connId string
}

// TopologyGraph is the local view of the overlay. One mutex guards nodes, links and the
// aggregate hash, so they always change together.
type TopologyGraph struct {
	mu    sync.Mutex
	self  state.NodeId
	nodes map[state.NodeId]*state.TopologyNode
	links map[linkKey]state.TopologyLink
	hash  state.GraphHash
	log   *slog.Logger
	stats *Stats
	bus   *EventBus
}

// NewTopologyGraph creates a graph that contains only the local node
func NewTopologyGraph(local state.TopologyNode, log *slog.Logger, stats *Stats, bus *EventBus) *TopologyGraph {
	if local.CreatedAt.IsZero() {
		local.CreatedAt = time.Now()
	}
	g := &TopologyGraph{
		self:  local.Id,
		nodes: make(map[state.NodeId]*state.TopologyNode),
		links: make(map[linkKey]state.TopologyLink),
		log:   log,
		stats: stats,
		bus:   bus,
	}
	g.nodes[local.Id] = &local
	g.recomputeHash()
	return g
}

func (g *TopologyGraph) Self() state.NodeId {
	return g.self
}

func (g *TopologyGraph) addNode(id state.NodeId) *state.TopologyNode {
	node, ok := g.nodes[id]
	if !ok {
		node = &state.TopologyNode{
			Id:        id,
			CreatedAt: time.Now(),
		}
		g.nodes[id] = node
	}
	return node
}

// AddNode returns the node with the given id, creating it if needed
func (g *TopologyGraph) AddNode(id state.NodeId) state.TopologyNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.addNode(id)
}

// AddLink registers a link for a connection. A connection can only carry one link per source.
func (g *TopologyGraph) AddLink(source, dest state.NodeId, connId string) state.TopologyLink {
	g.mu.Lock()
	key := linkKey{source, connId}
	if existing, ok := g.links[key]; ok {
		g.mu.Unlock()
		panic(fmt.Sprintf("link %s already exists for connection %s", existing, connId))
	}
	g.addNode(source)
	g.addNode(dest)
	link := state.TopologyLink{Source: source, Destination: dest, ConnectionId: connId}
	g.links[key] = link
	changed := g.recomputeHash()
	g.mu.Unlock()
	g.log.Debug("link added", "link", link)
	g.notify(changed)
	return link
}

// RemoveLink returns false if the link is unknown
func (g *TopologyGraph) RemoveLink(link state.TopologyLink) bool {
	g.mu.Lock()
	key := linkKey{link.Source, link.ConnectionId}
	existing, ok := g.links[key]
	if !ok || existing != link {
		g.mu.Unlock()
		return false
	}
	delete(g.links, key)
	changed := g.recomputeHash()
	g.mu.Unlock()
	g.log.Debug("link removed", "link", link)
	g.notify(changed)
	return true
}

func (g *TopologyGraph) LinkByConnection(source state.NodeId, connId string) (state.TopologyLink, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	link, ok := g.links[linkKey{source, connId}]
	return link, ok
}

// Update applies a remote advertisement. It is accepted only if its sequence number is newer
// than the stored one, and then replaces every outgoing link of the owner.
func (g *TopologyGraph) Update(adv state.Advertisement) bool {
	g.mu.Lock()
	if adv.Owner == g.self {
		g.mu.Unlock()
		g.log.Debug("ignoring own advertisement", "adv", adv)
		return false
	}
	node, known := g.nodes[adv.Owner]
	if known && adv.Seqno <= node.Seqno {
		stored := node.Seqno
		g.mu.Unlock()
		g.stats.LsaRejected.Add(1)
		g.log.Debug("rejected stale advertisement", "owner", adv.Owner, "seqno", adv.Seqno, "stored", stored)
		return false
	}
	node = g.addNode(adv.Owner)
	g.replaceLinks(adv.Owner, adv.Links)
	node.Seqno = adv.Seqno
	node.LastObservedHash = adv.GraphHash
	node.DisplayName = adv.DisplayName
	node.IsWorkflowHost = adv.IsWorkflowHost
	node.Departed = adv.Reason == state.ReasonShutdown
	changed := g.recomputeHash()
	g.mu.Unlock()

	g.stats.LsaAccepted.Add(1)
	g.log.Debug("accepted advertisement", "adv", adv)
	g.notify(changed)
	return true
}

func (g *TopologyGraph) replaceLinks(owner state.NodeId, links []state.TopologyLink) {
	for key := range g.links {
		if key.source == owner {
			delete(g.links, key)
		}
	}
	for _, l := range links {
		if l.Source != owner {
			g.log.Debug("dropping foreign link in advertisement", "owner", owner, "link", l)
			continue
		}
		key := linkKey{l.Source, l.ConnectionId}
		if _, dup := g.links[key]; dup {
			continue
		}
		g.addNode(l.Destination)
		g.links[key] = l
	}
}

// ObserveOwn handles an advertisement of the local node received from the network. It
// reports true if the advertisement supersedes the local state, in which case the local
// sequence number has been raised to match it.
func (g *TopologyGraph) ObserveOwn(adv state.Advertisement) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	local := g.nodes[g.self]
	switch {
	case adv.Seqno > local.Seqno:
	case adv.Seqno == local.Seqno && !local.Departed &&
		(adv.Reason != state.ReasonNormal || !slices.Equal(sortedLinks(adv.Links), g.outgoing(g.self))):
	default:
		return false
	}
	local.Seqno = adv.Seqno
	return true
}

func sortedLinks(links []state.TopologyLink) []state.TopologyLink {
	out := slices.Clone(links)
	state.SortLinks(out)
	return out
}

// outgoing returns the sorted outgoing links of id. Must hold g.mu.
func (g *TopologyGraph) outgoing(id state.NodeId) []state.TopologyLink {
	var out []state.TopologyLink
	for key, l := range g.links {
		if key.source == id {
			out = append(out, l)
		}
	}
	state.SortLinks(out)
	return out
}

func (g *TopologyGraph) advertisement(node *state.TopologyNode) state.Advertisement {
	adv := state.Advertisement{
		Owner:          node.Id,
		Seqno:          node.Seqno,
		GraphHash:      node.LastObservedHash,
		DisplayName:    node.DisplayName,
		IsWorkflowHost: node.IsWorkflowHost,
	}
	if node.Departed {
		adv.Reason = state.ReasonShutdown
	} else {
		adv.Links = g.outgoing(node.Id)
	}
	return adv
}

// GenerateLsa snapshots the local links under a new sequence number
func (g *TopologyGraph) GenerateLsa() state.Advertisement {
	return g.generate(false)
}

// GenerateShutdownLsa announces that the local node is leaving
func (g *TopologyGraph) GenerateShutdownLsa() state.Advertisement {
	return g.generate(true)
}

func (g *TopologyGraph) generate(shutdown bool) state.Advertisement {
	g.mu.Lock()
	local := g.nodes[g.self]
	local.Seqno++
	local.Departed = shutdown
	changed := g.recomputeHash()
	adv := g.advertisement(local)
	g.mu.Unlock()
	g.notify(changed)
	return adv
}

// GenerateLsaBatchOfAllNodes snapshots the latest advertisement of every node that has advertised
func (g *TopologyGraph) GenerateLsaBatchOfAllNodes() state.AdvertisementBatch {
	g.mu.Lock()
	defer g.mu.Unlock()
	batch := make(state.AdvertisementBatch)
	for id, node := range g.nodes {
		if node.Seqno == 0 {
			continue
		}
		batch[id] = g.advertisement(node)
	}
	return batch
}

func uniqueSorted(ids []state.NodeId) []state.NodeId {
	slices.Sort(ids)
	return slices.Compact(ids)
}

func (g *TopologyGraph) Successors(id state.NodeId) []state.NodeId {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []state.NodeId
	for _, l := range g.links {
		if l.Source == id {
			out = append(out, l.Destination)
		}
	}
	return uniqueSorted(out)
}

func (g *TopologyGraph) Predecessors(id state.NodeId) []state.NodeId {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []state.NodeId
	for _, l := range g.links {
		if l.Destination == id {
			out = append(out, l.Source)
		}
	}
	return uniqueSorted(out)
}

// ConvergenceCheck reports whether every live advertised node last observed the current hash
func (g *TopologyGraph) ConvergenceCheck() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, node := range g.nodes {
		if node.Seqno == 0 || node.Departed {
			continue
		}
		if node.LastObservedHash != g.hash {
			return false
		}
	}
	return true
}

func (g *TopologyGraph) Hash() state.GraphHash {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hash
}

func (g *TopologyGraph) LocalSeqno() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[g.self].Seqno
}

// RaiseLocalSeqno makes sure the next local advertisement is numbered above n
func (g *TopologyGraph) RaiseLocalSeqno(n uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	local := g.nodes[g.self]
	local.Seqno = max(local.Seqno, n)
}

func (g *TopologyGraph) Node(id state.NodeId) (state.TopologyNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.nodes[id]
	if !ok {
		return state.TopologyNode{}, false
	}
	return *node, true
}

// Nodes returns every known node ordered by id
func (g *TopologyGraph) Nodes() []state.TopologyNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]state.TopologyNode, 0, len(g.nodes))
	for _, id := range slices.Sorted(maps.Keys(g.nodes)) {
		out = append(out, *g.nodes[id])
	}
	return out
}

func (g *TopologyGraph) Links() []state.TopologyLink {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := slices.Collect(maps.Values(g.links))
	state.SortLinks(out)
	return out
}

func (g *TopologyGraph) LocalLinks() []state.TopologyLink {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outgoing(g.self)
}

// recomputeHash digests the advertised topology. Sequence numbers are left out so that a
// periodic re-advertisement of an unchanged topology keeps the hash. Must hold g.mu.
func (g *TopologyGraph) recomputeHash() bool {
	var buf []byte
	for _, id := range slices.Sorted(maps.Keys(g.nodes)) {
		node := g.nodes[id]
		if node.Seqno == 0 {
			continue
		}
		buf = append(buf, string(id)...)
		buf = append(buf, 0)
		if node.Departed {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
			for _, l := range g.outgoing(id) {
				buf = append(buf, string(l.Destination)...)
				buf = append(buf, 0)
				buf = append(buf, l.ConnectionId...)
				buf = append(buf, 0)
			}
		}
		buf = append(buf, 0xff)
	}
	hash := state.GraphHash(blake2b.Sum256(buf))
	changed := hash != g.hash
	g.hash = hash
	g.nodes[g.self].LastObservedHash = hash
	return changed
}

func (g *TopologyGraph) notify(changed bool) {
	if changed && g.bus != nil {
		g.bus.Publish()
	}
}
