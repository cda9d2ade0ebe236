package cmd

import (
	"fmt"

	"github.com/encodeous/weft/core"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect [debug-addr]",
	Aliases: []string{"i"},
	Short:   "Inspects the topology of a running node",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := ""
		if len(args) == 1 {
			addr = args[0]
		} else {
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}
			addr = cfg.DebugAddr
		}
		if addr == "" {
			return fmt.Errorf("the node does not serve diagnostics, set debug_addr in %s", nodeConfigPath)
		}
		result, err := core.IPCGet(addr)
		if err != nil {
			return err
		}
		fmt.Print(result)
		return nil
	},
	GroupID: "wf",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
