// Copyright Contributors to the KubeTask project

// orchestrator runs the KubeTask orchestration core: it dispatches queued tasks as
// Kubernetes Jobs or into session workspaces, reconciles their status and repairs
// failed workspaces.
//
// Available commands:
//   - run:               Start every recurring cycle
//   - submit:            Queue a new task
//   - cancel / retry:    Change the state of an existing task
//   - logs / job-status: Inspect a task's Kubernetes Job
//   - cleanup-workspace: Repair one failed workspace immediately
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/kubetask/kubetask-orchestrator/internal/config"
)

var (
	configPath string
	zapOpts    = zap.Options{}

	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "KubeTask orchestrator - task dispatch and workspace repair",
	Long: `orchestrator runs user tasks as Kubernetes Jobs or inside session workspaces.

Available commands:
  run                Start the dispatch, monitoring, sweep and cleanup cycles
  submit             Queue a new task
  cancel             Cancel a task and delete its Job
  retry              Requeue a failed task
  logs               Print the logs of a task Job
  job-status         Print the normalized status of a task Job
  cleanup-workspace  Replace a failed workspace now

Examples:
  # Start the orchestrator with a config file
  orchestrator run --config=/etc/kubetask/config.yaml

  # Print the logs of a Job
  orchestrator logs --namespace=tasks job-1234`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		setupLogger(cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the YAML configuration file. Defaults are used when empty or missing.")
	zapOpts.BindFlags(flag.CommandLine)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

// setupLogger installs the controller-runtime logger. --zap-log-level wins over
// the configured level.
func setupLogger(level string) {
	if zapOpts.Level == nil {
		if parsed, err := zapcore.ParseLevel(level); err == nil {
			zapOpts.Level = parsed
		}
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
}

func ctrlLog(name string) logr.Logger {
	return ctrl.Log.WithName(name)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
