package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/encodeous/weft/state"
)

// Weft is the routing module of a node. Every registry it uses belongs to this instance.
type Weft struct {
	*state.State
	Graph     *TopologyGraph
	Conns     *ConnectionTable
	Stats     *Stats
	Bus       *EventBus
	Buffer    *MessageBuffer
	Mux       *Mux
	Protocol  *ProtocolManager
	Routing   *RoutingService
	Transport Transport

	peerMu      sync.Mutex
	peers       map[string]*peerDial
	dialers     sync.WaitGroup
	unsubscribe func()
}

type peerDial struct {
	conn    Connection
	dialing bool
}

func (w *Weft) Init(s *state.State) error {
	w.State = s
	transport, ok := state.Aux[Transport](s.Env, "transport")
	if !ok {
		return errors.New("no transport configured")
	}
	deliverer, _ := state.Aux[Deliverer](s.Env, "deliverer")

	w.Transport = transport
	w.Stats = NewStats(s.MaxTtl)
	w.Bus = NewEventBus()
	w.Conns = NewConnectionTable()
	w.Buffer = NewMessageBuffer(state.DedupCapacity)
	w.Mux = NewMux(s.Log)
	w.Graph = NewTopologyGraph(state.TopologyNode{
		Id:             s.Id,
		DisplayName:    s.DisplayName,
		IsWorkflowHost: s.WorkflowHost,
	}, s.Log, w.Stats, w.Bus)
	w.Protocol = NewProtocolManager(w.Graph, w.Conns, w.Buffer, w.Stats, transport, s.Log)
	w.Routing = NewRoutingService(s.Context, w.Graph, w.Conns, transport, deliverer, w.Stats, s.ForwardTimeout, s.Log)
	w.Protocol.Register(w.Mux)
	w.Routing.Register(w.Mux)
	w.peers = make(map[string]*peerDial)

	w.unsubscribe = w.Bus.Subscribe(func() {
		w.Log.Debug("topology changed", "hash", w.Graph.Hash(), "converged", w.Graph.ConvergenceCheck())
	})

	if err := transport.Start(s.Context, s.Id, w.Mux, w.Protocol); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	// the first advertisement makes this node visible in batches even before it has links
	w.Protocol.Refresh()

	s.RepeatTask(func(s *state.State) error {
		w.Protocol.Refresh()
		return nil
	}, s.RefreshInterval)
	s.RepeatTask(w.probePeers, s.ProbeInterval)
	s.ScheduleTask(w.probePeers, 0)
	return nil
}

// probePeers re-dials every configured contact point that is not connected
func (w *Weft) probePeers(s *state.State) error {
	w.peerMu.Lock()
	defer w.peerMu.Unlock()
	for _, peer := range s.Peers {
		pd, ok := w.peers[peer]
		if !ok {
			pd = &peerDial{}
			w.peers[peer] = pd
		}
		if pd.dialing {
			continue
		}
		if pd.conn != nil {
			if _, live := w.Conns.Lookup(pd.conn.Id()); live {
				continue
			}
			pd.conn = nil
		}
		pd.dialing = true
		w.dialers.Add(1)
		go w.dial(s.Context, peer, pd)
	}
	return nil
}

func (w *Weft) dial(ctx context.Context, peer string, pd *peerDial) {
	defer w.dialers.Done()
	ctx, cancel := context.WithTimeout(ctx, state.HandshakeDelay)
	defer cancel()
	conn, err := w.Transport.Connect(ctx, peer)

	w.peerMu.Lock()
	defer w.peerMu.Unlock()
	pd.dialing = false
	if err != nil {
		w.Log.Debug("failed to reach peer", "peer", peer, "error", err)
		return
	}
	pd.conn = conn
	w.Log.Info("connected to peer", "peer", peer, "node", conn.Remote())
}

func (w *Weft) Cleanup(s *state.State) error {
	w.Protocol.AnnounceShutdown(s.ForwardTimeout)
	w.dialers.Wait()
	err := w.Transport.Close()
	w.Routing.Wait()
	w.unsubscribe()
	return errors.Join(err, w.Bus.Close())
}

func (w *Weft) PerformRoutedRequest(ctx context.Context, payload []byte, dest state.NodeId, category string) <-chan state.Response {
	return w.Routing.PerformRoutedRequest(ctx, payload, dest, category)
}

func (w *Weft) HealthCheck(ctx context.Context, dest state.NodeId, body []byte) <-chan state.Response {
	return w.Routing.HealthCheck(ctx, dest, body)
}

type NodeView struct {
	Id           state.NodeId `yaml:"id"`
	DisplayName  string       `yaml:"display_name,omitempty"`
	WorkflowHost bool         `yaml:"workflow_host,omitempty"`
	Seqno        uint64       `yaml:"seqno"`
	Departed     bool         `yaml:"departed,omitempty"`
	Hash         string       `yaml:"hash"`
	Route        string       `yaml:"route"`
}

// TopologySnapshot is the diagnostic view served to `weft inspect`
type TopologySnapshot struct {
	Self      state.NodeId  `yaml:"self"`
	Hash      string        `yaml:"hash"`
	Converged bool          `yaml:"converged"`
	Nodes     []NodeView    `yaml:"nodes"`
	Links     []string      `yaml:"links"`
	Stats     StatsSnapshot `yaml:"stats"`
}

func (w *Weft) Snapshot() TopologySnapshot {
	snap := TopologySnapshot{
		Self:      w.Id,
		Hash:      w.Graph.Hash().String(),
		Converged: w.Graph.ConvergenceCheck(),
		Stats:     w.Stats.Snapshot(),
	}
	for _, node := range w.Graph.Nodes() {
		snap.Nodes = append(snap.Nodes, NodeView{
			Id:           node.Id,
			DisplayName:  node.DisplayName,
			WorkflowHost: node.IsWorkflowHost,
			Seqno:        node.Seqno,
			Departed:     node.Departed,
			Hash:         node.LastObservedHash.String(),
			Route:        w.Graph.route(w.Id, node.Id).String(),
		})
	}
	for _, l := range w.Graph.Links() {
		snap.Links = append(snap.Links, l.String())
	}
	return snap
}
