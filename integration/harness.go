//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/impl"
	"github.com/encodeous/weft/state"
	"golang.org/x/sync/errgroup"
)

type Signal chan bool

func NewSignal() Signal {
	return make(chan bool)
}
func (s Signal) Trigger() {
	select {
	case <-s:
	default:
		close(s)
	}
}
func (s Signal) Triggered() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}
func (s Signal) Wait() {
	<-s
}

// VirtualHarness runs a set of weft nodes over an in-memory network
type VirtualHarness struct {
	Local      []state.LocalCfg
	Net        *impl.InMemoryNetwork
	Deliverers map[state.NodeId]core.Deliverer
	LogLevel   slog.Level

	mu     sync.Mutex
	states map[state.NodeId]*state.State
	done   map[state.NodeId]Signal
	group  errgroup.Group
}

func NewHarness() *VirtualHarness {
	return &VirtualHarness{
		Net:        impl.NewInMemoryNetwork(),
		Deliverers: make(map[state.NodeId]core.Deliverer),
		LogLevel:   slog.LevelWarn,
		states:     make(map[state.NodeId]*state.State),
		done:       make(map[state.NodeId]Signal),
	}
}

func (v *VirtualHarness) IndexOf(id state.NodeId) int {
	return slices.IndexFunc(v.Local, func(cfg state.LocalCfg) bool {
		return cfg.Id == id
	})
}

func (v *VirtualHarness) NewNode(id state.NodeId) *state.LocalCfg {
	v.Local = append(v.Local, state.LocalCfg{
		Id:              id,
		ForwardTimeout:  500 * time.Millisecond,
		RefreshInterval: 100 * time.Millisecond,
		ProbeInterval:   50 * time.Millisecond,
	})
	return &v.Local[len(v.Local)-1]
}

// Connect makes from dial to, and returns the conditions of both directions
func (v *VirtualHarness) Connect(from, to state.NodeId) (*impl.VirtualLink, *impl.VirtualLink) {
	idx := v.IndexOf(from)
	v.Local[idx].Peers = append(v.Local[idx].Peers, string(to))
	return v.Net.Link(from, to), v.Net.Link(to, from)
}

// Start launches every node and waits until all of them run their main loop
func (v *VirtualHarness) Start(ctx context.Context) error {
	for _, cfg := range v.Local {
		done := NewSignal()
		v.done[cfg.Id] = done
		aux := map[string]any{
			"transport": v.Net.Transport(cfg.Id),
			"started": func(s *state.State) {
				v.mu.Lock()
				defer v.mu.Unlock()
				v.states[s.Id] = s
			},
		}
		if d, ok := v.Deliverers[cfg.Id]; ok {
			aux["deliverer"] = d
		}
		v.group.Go(func() error {
			defer done.Trigger()
			if err := core.Start(cfg, v.LogLevel, aux, nil); err != nil {
				return fmt.Errorf("%s: %w", cfg.Id, err)
			}
			return nil
		})
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		started := true
		v.mu.Lock()
		for _, cfg := range v.Local {
			s, ok := v.states[cfg.Id]
			if !ok || !s.Started.Load() {
				started = false
				break
			}
		}
		v.mu.Unlock()
		if started {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (v *VirtualHarness) State(id state.NodeId) *state.State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.states[id]
}

func (v *VirtualHarness) Weft(id state.NodeId) *core.Weft {
	return core.Get[*core.Weft](v.State(id))
}

// StopNode shuts one node down and waits until it has cleaned up
func (v *VirtualHarness) StopNode(id state.NodeId) {
	if s := v.State(id); s != nil {
		s.Cancel(errors.New("stopped by harness"))
	}
	v.done[id].Wait()
}

// Running returns the ids of every node that has not been stopped
func (v *VirtualHarness) Running() []state.NodeId {
	var ids []state.NodeId
	for _, cfg := range v.Local {
		if !v.done[cfg.Id].Triggered() {
			ids = append(ids, cfg.Id)
		}
	}
	return ids
}

// Converged reports whether every running node agrees on the same topology
func (v *VirtualHarness) Converged() bool {
	running := v.Running()
	var hash state.GraphHash
	for i, id := range running {
		g := v.Weft(id).Graph
		if i == 0 {
			hash = g.Hash()
		}
		if g.Hash() != hash || !g.ConvergenceCheck() {
			return false
		}
	}
	return true
}

func (v *VirtualHarness) Stop() error {
	for _, cfg := range v.Local {
		if s := v.State(cfg.Id); s != nil {
			s.Cancel(errors.New("stopping harness"))
		}
	}
	err := v.group.Wait()
	v.Net.Stop()
	return err
}
