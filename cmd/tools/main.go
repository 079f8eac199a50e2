// Copyright Contributors to the KubeTask project

// kubetask-tools runs inside task Job init containers.
//
// Available commands:
//   - git-init: Check out the task repository into the shared workspace volume
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "kubetask-tools",
	Short: "KubeTask Job init tools",
	Long: `kubetask-tools provides the commands task Jobs run before the agent starts.

Available commands:
  git-init      Check out the task repository into the workspace volume`,
	SilenceUsage: true,
}

func newLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
