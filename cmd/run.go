package cmd

import (
	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/impl"
	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run weft",
	Long:  `This will run a weft node on the current host, listening for neighbours and dialing its configured peers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeCfg, err := loadNodeConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("debug-addr"); addr != "" {
			nodeCfg.DebugAddr = addr
		}

		state.SetResolvers(nodeCfg.Resolvers)

		level := logLevel(cmd)
		log, err := core.NewLogger(string(nodeCfg.Id)+"/tcp", nodeCfg.LogPath, level)
		if err != nil {
			return err
		}
		transport := impl.NewTcpTransport(nodeCfg.Listen, nodeCfg.MaxConnections, log)
		return core.Start(*nodeCfg, level, map[string]any{
			"transport": transport,
		}, nil)
	},
	GroupID: "wf",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().StringP("debug-addr", "d", "", "serve metrics and topology diagnostics on this address")
}
