package core

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologyOverHttp(t *testing.T) {
	stats := NewStats(state.DefaultMaxTtl)
	g := NewTopologyGraph(state.TopologyNode{Id: "a"}, testLogger(), stats, nil)
	g.AddLink("a", "b", "c1")
	g.GenerateLsa()
	require.True(t, g.Update(advert("b", 1, link("b", "a", "c1"))))

	w := &Weft{
		State: &state.State{Env: &state.Env{LocalCfg: state.LocalCfg{Id: "a"}}},
		Graph: g,
		Stats: stats,
	}
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, TopologyPath, r.URL.Path)
		HandleTopologyGet(w, rw)
	}))
	defer server.Close()

	out, err := IPCGet(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)

	var snap TopologySnapshot
	require.NoError(t, yaml.Unmarshal([]byte(out), &snap))
	assert.Equal(t, state.NodeId("a"), snap.Self)
	assert.Equal(t, g.Hash().String(), snap.Hash)
	require.Len(t, snap.Nodes, 2)
	assert.Equal(t, "a -> b", snap.Nodes[1].Route)
	assert.Len(t, snap.Links, 2)
	// diagnostics do not count as routing decisions
	assert.Zero(t, stats.ShortestPathComputations.Load())
}

func TestIPCGetError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	_, err := IPCGet(strings.TrimPrefix(server.URL, "http://"))
	assert.ErrorContains(t, err, "404")
}
