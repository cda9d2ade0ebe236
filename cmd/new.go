package cmd

import (
	"fmt"
	"net"
	"strconv"

	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
)

var newCfg state.LocalCfg

var newCmd = &cobra.Command{
	Use:   "new <id>",
	Short: "Create a new node configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if force, _ := cmd.Flags().GetBool("force"); !force && fileExists(nodeConfigPath) {
			return fmt.Errorf("%s already exists, pass --force to overwrite it", nodeConfigPath)
		}
		cfg := newCfg
		cfg.Id = state.NodeId(args[0])
		if cfg.Listen == "" {
			cfg.Listen = net.JoinHostPort("0.0.0.0", strconv.Itoa(state.DefaultPort))
		}
		if err := state.NodeConfigValidator(&cfg); err != nil {
			return err
		}
		if err := state.WriteNodeConfig(nodeConfigPath, &cfg); err != nil {
			return err
		}
		fmt.Printf("Wrote the configuration of %s to %s\n", cfg.Id, nodeConfigPath)
		return nil
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(newCmd)

	newCmd.Flags().StringVarP(&newCfg.Listen, "listen", "l", "", "address the node accepts connections on")
	newCmd.Flags().StringSliceVarP(&newCfg.Peers, "peer", "p", nil, "contact point to dial, may be repeated")
	newCmd.Flags().StringVar(&newCfg.DisplayName, "name", "", "human readable name advertised with the node")
	newCmd.Flags().BoolVar(&newCfg.WorkflowHost, "workflow-host", false, "advertise this node as a workflow host")
	newCmd.Flags().StringVar(&newCfg.DebugAddr, "debug-addr", "", "address of the diagnostics server")
	newCmd.Flags().StringVar(&newCfg.LogPath, "log", "", "also write logs to this file")
	newCmd.Flags().BoolP("force", "f", false, "overwrite an existing config")
}
