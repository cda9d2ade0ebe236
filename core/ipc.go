package core

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const TopologyPath = "/debug/topology"

// Diagnostics serves metrics and the topology snapshot of the node on DebugAddr
type Diagnostics struct {
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

func (d *Diagnostics) Init(s *state.State) error {
	if s.DebugAddr == "" {
		return nil
	}
	w := Get[*Weft](s)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(w.Stats.Collectors(s.Id)...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	// the perf package registers its handler globally
	mux.Handle("/debug/metrics", http.DefaultServeMux)
	mux.HandleFunc(TopologyPath, func(rw http.ResponseWriter, r *http.Request) {
		HandleTopologyGet(w, rw)
	})

	listener, err := net.Listen("tcp", s.DebugAddr)
	if err != nil {
		return fmt.Errorf("failed to start diagnostics server: %w", err)
	}
	d.listener = listener
	d.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	d.done = make(chan struct{})
	s.Log.Info("serving diagnostics", "addr", listener.Addr())
	go func() {
		defer close(d.done)
		if err := d.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Log.Error("diagnostics server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the address the diagnostics server is bound to, or nil if it is disabled
func (d *Diagnostics) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

func (d *Diagnostics) Cleanup(s *state.State) error {
	if d.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := d.server.Shutdown(ctx)
	<-d.done
	return err
}

func HandleTopologyGet(w *Weft, rw http.ResponseWriter) {
	out, err := yaml.Marshal(w.Snapshot())
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/yaml")
	_, _ = rw.Write(out)
}

// IPCGet fetches the topology snapshot from the diagnostics server at addr
func IPCGet(addr string) (string, error) {
	client := http.Client{Timeout: 5 * time.Second}
	res, err := client.Get("http://" + addr + TopologyPath)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %s", res.Status, body)
	}
	return string(body), nil
}
