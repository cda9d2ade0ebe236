package core

import (
	"container/heap"
	"time"

	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/state"
)

type pathEntry struct {
	node state.NodeId
	dist int
}

// pathQueue pops the closest node first, and the smallest id among equally close nodes
type pathQueue []pathEntry

func (q pathQueue) Len() int { return len(q) }
func (q pathQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].node.Less(q[j].node)
}
func (q pathQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *pathQueue) Push(x any)   { *q = append(*q, x.(pathEntry)) }
func (q *pathQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// preferLink breaks ties between equally short paths: the smaller predecessor wins, then the smaller connection id
func preferLink(a, b state.TopologyLink) bool {
	if a.Source != b.Source {
		return a.Source.Less(b.Source)
	}
	return a.ConnectionId < b.ConnectionId
}

// ShortestPath runs Dijkstra over the live topology, every link costing one hop.
// Departed nodes are neither routed to nor through.
func (g *TopologyGraph) ShortestPath(source, dest state.NodeId) state.Route {
	g.stats.ShortestPathComputations.Add(1)
	route := g.route(source, dest)
	perf.ShortestPathLatency.Add(float64(route.Cost.Microseconds()))
	return route
}

// route computes the shortest path without touching the statistics, for diagnostics
func (g *TopologyGraph) route(source, dest state.NodeId) state.Route {
	start := time.Now()
	route := state.Route{Source: source, Destination: dest}

	g.mu.Lock()
	defer g.mu.Unlock()

	live := func(id state.NodeId) bool {
		node, ok := g.nodes[id]
		return ok && !node.Departed
	}
	if !live(source) || !live(dest) {
		route.Cost = time.Since(start)
		return route
	}
	if source == dest {
		route.Valid = true
		route.Cost = time.Since(start)
		return route
	}

	adj := make(map[state.NodeId][]state.TopologyLink)
	for _, l := range g.links {
		if live(l.Source) && live(l.Destination) && l.Source != l.Destination {
			adj[l.Source] = append(adj[l.Source], l)
		}
	}

	dist := map[state.NodeId]int{source: 0}
	prev := make(map[state.NodeId]state.TopologyLink)
	done := make(map[state.NodeId]bool)
	q := &pathQueue{{node: source}}
	for q.Len() > 0 {
		cur := heap.Pop(q).(pathEntry)
		if done[cur.node] {
			continue
		}
		done[cur.node] = true
		if cur.node == dest {
			break
		}
		for _, l := range adj[cur.node] {
			next := l.Destination
			if done[next] {
				continue
			}
			nd := cur.dist + 1
			old, seen := dist[next]
			switch {
			case !seen || nd < old:
				dist[next] = nd
				prev[next] = l
				heap.Push(q, pathEntry{node: next, dist: nd})
			case nd == old && preferLink(l, prev[next]):
				prev[next] = l
			}
		}
	}

	if !done[dest] {
		route.Cost = time.Since(start)
		return route
	}
	var links []state.TopologyLink
	for at := dest; at != source; {
		l := prev[at]
		links = append(links, l)
		at = l.Source
	}
	for i, j := 0, len(links)-1; i < j; i, j = i+1, j-1 {
		links[i], links[j] = links[j], links[i]
	}
	route.Links = links
	route.Valid = true
	route.Cost = time.Since(start)
	return route
}
