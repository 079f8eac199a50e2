// Copyright Contributors to the KubeTask project

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/kubetask/kubetask-orchestrator/internal/config"
	"github.com/kubetask/kubetask-orchestrator/internal/scheduler"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator",
	Long: `Start the orchestrator and run its recurring cycles until interrupted.

In "jobs" mode the oldest PENDING task is dispatched as a Kubernetes Job whenever
no other task is in progress, and Job status is folded back into tasks. In
"workspace" mode PENDING tasks run inside their session workspace once it is
RUNNING. Both modes time out overdue tasks, retry failed ones and repair
workspaces that stayed FAILED.

Flags given on the command line take precedence over the config file.

Example:
  orchestrator run --config=config.yaml --leader-elect
  orchestrator run --mode=workspace --executor=job --namespace=tasks`,
	RunE: runOrchestrator,
}

var leaderElect bool

// runOverrides holds the run flags that take precedence over the config file
type runOverrides struct {
	mode          string
	namespace     string
	image         string
	executor      string
	storeDriver   string
	storeDSN      string
	dispatchDelay time.Duration
	monitorDelay  time.Duration
}

var overrides runOverrides

func init() {
	f := runCmd.Flags()
	f.BoolVar(&leaderElect, "leader-elect", false,
		"Enable leader election so only one replica dispatches tasks")
	f.StringVar(&overrides.mode, "mode", "", `Component that picks up PENDING tasks: "jobs" or "workspace"`)
	f.StringVar(&overrides.namespace, "namespace", "", "Default namespace for task Jobs")
	f.StringVar(&overrides.image, "image", "", "Default container image for task Jobs")
	f.StringVar(&overrides.executor, "executor", "", `Workspace executor: "simulated" or "job"`)
	f.StringVar(&overrides.storeDriver, "store-driver", "", `Store backend: "memory" or "sqlite"`)
	f.StringVar(&overrides.storeDSN, "store-dsn", "", "Database file for the sqlite store")
	f.DurationVar(&overrides.dispatchDelay, "dispatch-delay", 0, "Delay between dispatch cycles")
	f.DurationVar(&overrides.monitorDelay, "monitor-delay", 0, "Delay between Job monitoring cycles")
}

// apply copies the flags that were set onto c and validates the result
func (o runOverrides) apply(changed func(name string) bool, c *config.Config) error {
	if changed("mode") {
		c.Mode = o.mode
	}
	if changed("namespace") {
		c.Kubernetes.DefaultNamespace = o.namespace
	}
	if changed("image") {
		c.Kubernetes.DefaultImage = o.image
	}
	if changed("executor") {
		c.Workspace.Executor = o.executor
	}
	if changed("store-driver") {
		c.Store.Driver = o.storeDriver
	}
	if changed("store-dsn") {
		c.Store.DSN = o.storeDSN
	}
	if changed("dispatch-delay") {
		if o.dispatchDelay <= 0 {
			return fmt.Errorf("--dispatch-delay must be positive")
		}
		c.Processor.DispatchDelay.Duration = o.dispatchDelay
	}
	if changed("monitor-delay") {
		if o.monitorDelay <= 0 {
			return fmt.Errorf("--monitor-delay must be positive")
		}
		c.Processor.MonitorDelay.Duration = o.monitorDelay
	}
	return c.Validate()
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	log := ctrl.Log.WithName("orchestrator")
	if err := overrides.apply(cmd.Flags().Changed, cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := ctrl.SetupSignalHandler()

	st, err := openStores(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	sched := scheduler.New(ctrl.Log.WithName("scheduler"))

	if !cfg.Kubernetes.IsEnabled() {
		log.Info("Kubernetes integration is disabled, running without a manager", "mode", cfg.Mode)
		a, err := newApp(ctx, cfg, st, nil, nil, clock.RealClock{})
		if err != nil {
			return err
		}
		defer shutdown(log, a)
		if err := a.register(sched); err != nil {
			return err
		}
		return sched.Start(ctx)
	}

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("load kubeconfig: %w", err)
	}
	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddress},
		HealthProbeBindAddress: cfg.HealthProbeAddress,
		LeaderElection:         leaderElect,
		LeaderElectionID:       "orchestrator.kubetask.io",
	})
	if err != nil {
		log.Error(err, "unable to create manager")
		return err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("create clientset: %w", err)
	}

	a, err := newApp(ctx, cfg, st, mgr.GetClient(), clientset, clock.RealClock{})
	if err != nil {
		return err
	}
	defer shutdown(log, a)
	if err := a.register(sched); err != nil {
		return err
	}
	if err := mgr.Add(sched); err != nil {
		return fmt.Errorf("add scheduler: %w", err)
	}
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("set up ready check: %w", err)
	}

	log.Info("Starting orchestrator", "mode", cfg.Mode, "namespace", cfg.Kubernetes.DefaultNamespace)
	if err := mgr.Start(ctx); err != nil {
		log.Error(err, "problem running manager")
		return err
	}
	return nil
}

func shutdown(log logr.Logger, a *app) {
	if err := a.shutdown(); err != nil {
		log.Error(err, "unable to shut down cleanly")
	}
}

// directClient builds an uncached client for one-shot commands
func directClient() (client.Client, kubernetes.Interface, error) {
	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, err
	}
	return c, clientset, nil
}

// oneShotApp wires the components for a command that exits after one action
func oneShotApp(ctx context.Context) (*app, error) {
	st, err := openStores(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	var (
		c         client.Client
		clientset kubernetes.Interface
	)
	if cfg.Kubernetes.IsEnabled() {
		if c, clientset, err = directClient(); err != nil {
			_ = st.close()
			return nil, err
		}
	}
	return newApp(ctx, cfg, st, c, clientset, clock.RealClock{})
}
