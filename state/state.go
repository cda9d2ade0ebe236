package state

import (
	"context"
	"log/slog"
	"sync/atomic"
)

type NyModule interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State is the per-instance context of a weft node. Every registry that the
// routing components share lives here or in a module, never in package globals.
type State struct {
	*Env
	Modules map[string]NyModule
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	LocalCfg
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
	// AuxConfig carries collaborators injected by the embedder, such as the transport or the deliverer
	AuxConfig map[string]any
	Started   atomic.Bool
	Stopping  atomic.Bool
}

// Aux returns the auxiliary collaborator stored under key, if it has the requested type
func Aux[T any](e *Env, key string) (T, bool) {
	var zero T
	if e.AuxConfig == nil {
		return zero, false
	}
	v, ok := e.AuxConfig[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
