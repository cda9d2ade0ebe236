package state

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// LocalCfg represents local node-level configuration
type LocalCfg struct {
	Id              NodeId        // unique id for this node
	DisplayName     string        `yaml:"display_name,omitempty"`     // human readable name advertised with the node
	WorkflowHost    bool          `yaml:"workflow_host,omitempty"`    // whether this node hosts workflows
	Listen          string        `yaml:"listen,omitempty"`           // address the tcp transport listens on
	Peers           []string      `yaml:"peers,omitempty"`            // contact points dialed on startup and re-dialed when lost
	ForwardTimeout  time.Duration `yaml:"forward_timeout,omitempty"`  // bounded wait for each forwarded request
	MaxTtl          uint32        `yaml:"max_ttl,omitempty"`          // hop limit, only tracked in statistics
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"` // periodic re-advertisement, negative disables
	ProbeInterval   time.Duration `yaml:"probe_interval,omitempty"`   // how often lost peers are re-dialed
	MaxConnections  int           `yaml:"max_connections,omitempty"`  // cap on simultaneously accepted connections
	LogPath         string        `yaml:"log_path,omitempty"`         // if not empty, weft will also write to this file
	DebugAddr       string        `yaml:"debug_addr,omitempty"`       // if not empty, serves metrics and topology diagnostics
	Resolvers       []string      `yaml:"resolvers,omitempty"`        // dns servers used to resolve peer contact points
}

// ApplyDefaults fills every unset tunable
func (c *LocalCfg) ApplyDefaults() {
	if c.ForwardTimeout == 0 {
		c.ForwardTimeout = ForwardTimeout
	}
	if c.MaxTtl == 0 {
		c.MaxTtl = DefaultMaxTtl
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = RefreshInterval
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = ProbeDelay
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = MaxConnections
	}
}

func ReadNodeConfig(nodePath string) (*LocalCfg, error) {
	var nodeCfg LocalCfg
	file, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(file, &nodeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", nodePath, err)
	}
	return &nodeCfg, nil
}

func WriteNodeConfig(nodePath string, cfg *LocalCfg) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(nodePath, out, 0600)
}
