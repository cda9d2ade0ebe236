package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
)

var nodeConfigPath = "node.yaml"

func logLevel(cmd *cobra.Command) slog.Level {
	if ok, _ := cmd.Flags().GetBool("verbose"); ok {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func loadNodeConfig() (*state.LocalCfg, error) {
	cfg, err := state.ReadNodeConfig(nodeConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := state.NodeConfigValidator(cfg); err != nil {
		return nil, fmt.Errorf("%s is invalid: %w", nodeConfigPath, err)
	}
	return cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
