package cmd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/impl"
	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	simNodes    int
	simTopology string
	simLatency  time.Duration
	simLoss     float64
	simTimeout  time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Runs a mesh of nodes in memory until it converges",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simNodes < 2 {
			return errors.New("a simulation needs at least 2 nodes")
		}
		ids := make([]state.NodeId, simNodes)
		for i := range ids {
			ids[i] = state.NodeId(fmt.Sprintf("node%d", i))
		}
		edges, err := simEdges(simTopology, simNodes)
		if err != nil {
			return err
		}

		network := impl.NewInMemoryNetwork()
		defer network.Stop()
		cfgs := make([]state.LocalCfg, simNodes)
		for i, id := range ids {
			cfgs[i] = state.LocalCfg{
				Id:              id,
				RefreshInterval: 250 * time.Millisecond,
				ProbeInterval:   100 * time.Millisecond,
			}
		}
		for _, e := range edges {
			cfgs[e.V1].Peers = append(cfgs[e.V1].Peers, string(ids[e.V2]))
			network.Link(ids[e.V1], ids[e.V2]).WithLatency(simLatency, simLatency/4).WithPacketLoss(simLoss)
			network.Link(ids[e.V2], ids[e.V1]).WithLatency(simLatency, simLatency/4).WithPacketLoss(simLoss)
		}

		var mu sync.Mutex
		nodes := make(map[state.NodeId]*state.State)
		level := logLevel(cmd)
		var g errgroup.Group
		for _, cfg := range cfgs {
			g.Go(func() error {
				return core.Start(cfg, level, map[string]any{
					"transport": network.Transport(cfg.Id),
					"started": func(s *state.State) {
						mu.Lock()
						defer mu.Unlock()
						nodes[s.Id] = s
					},
				}, nil)
			})
		}
		stopAll := func() {
			mu.Lock()
			for _, s := range nodes {
				s.Cancel(errors.New("simulation finished"))
			}
			mu.Unlock()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), simTimeout)
		defer cancel()
		start := time.Now()
		converged := waitConverged(ctx, &mu, nodes, simNodes)
		if !converged {
			stopAll()
			_ = g.Wait()
			return fmt.Errorf("the mesh did not converge within %s", simTimeout)
		}
		fmt.Printf("converged after %s\n", time.Since(start).Round(time.Millisecond))

		mu.Lock()
		first := core.Get[*core.Weft](nodes[ids[0]])
		mu.Unlock()
		res := <-first.HealthCheck(ctx, ids[len(ids)-1], []byte("ping"))
		fmt.Printf("health check %s -> %s: %s via %s\n", ids[0], ids[len(ids)-1], res, res.Metadata[state.MdTrace])

		out, err := yaml.Marshal(first.Snapshot())
		if err != nil {
			return err
		}
		fmt.Print(string(out))

		stopAll()
		return g.Wait()
	},
	GroupID: "wf",
}

// simEdges returns the undirected edges of the topology, each with its dialing side first
func simEdges(topology string, n int) ([]state.Pair[int, int], error) {
	var edges []state.Pair[int, int]
	switch topology {
	case "line":
		for i := 0; i+1 < n; i++ {
			edges = append(edges, state.Pair[int, int]{V1: i, V2: i + 1})
		}
	case "ring":
		for i := 0; i < n; i++ {
			edges = append(edges, state.Pair[int, int]{V1: i, V2: (i + 1) % n})
		}
	case "mesh":
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				edges = append(edges, state.Pair[int, int]{V1: i, V2: j})
			}
		}
	default:
		return nil, fmt.Errorf("unknown topology %q, expected line, ring or mesh", topology)
	}
	state.SortPairs(edges)
	return slices.Compact(edges), nil
}

func waitConverged(ctx context.Context, mu *sync.Mutex, nodes map[state.NodeId]*state.State, expected int) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		mu.Lock()
		ready := len(nodes) == expected
		var hash state.GraphHash
		for _, s := range nodes {
			if !ready {
				break
			}
			g := core.Get[*core.Weft](s).Graph
			if hash.IsZero() {
				hash = g.Hash()
			}
			ready = g.Hash() == hash && g.ConvergenceCheck() && len(g.Nodes()) == expected
		}
		mu.Unlock()
		if ready {
			return true
		}
	}
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().IntVarP(&simNodes, "nodes", "c", 5, "number of nodes")
	simulateCmd.Flags().StringVarP(&simTopology, "topology", "t", "line", "line, ring or mesh")
	simulateCmd.Flags().DurationVarP(&simLatency, "latency", "l", 5*time.Millisecond, "one-way latency of every link")
	simulateCmd.Flags().Float64Var(&simLoss, "loss", 0, "probability of dropping a message")
	simulateCmd.Flags().DurationVar(&simTimeout, "timeout", 30*time.Second, "give up if the mesh has not converged by then")
	simulateCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
