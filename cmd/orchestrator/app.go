// Copyright Contributors to the KubeTask project

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubetask/kubetask-orchestrator/internal/config"
	"github.com/kubetask/kubetask-orchestrator/internal/controller"
	"github.com/kubetask/kubetask-orchestrator/internal/executor"
	"github.com/kubetask/kubetask-orchestrator/internal/scheduler"
	"github.com/kubetask/kubetask-orchestrator/internal/store"
	"github.com/kubetask/kubetask-orchestrator/internal/workspace"
)

// stores bundles the persistence views of one backend
type stores struct {
	tasks      store.TaskStore
	workspaces store.WorkspaceStore
	sessions   store.SessionStore
	close      func() error
}

func openStores(c config.StoreConfig) (*stores, error) {
	switch c.Driver {
	case "sqlite":
		db, err := store.NewSQLiteStore(c.DSN)
		if err != nil {
			return nil, err
		}
		return &stores{tasks: db, workspaces: db.Workspaces(), sessions: db, close: db.Close}, nil
	case "memory", "":
		mem := store.NewMemoryStore()
		return &stores{tasks: mem, workspaces: mem.Workspaces(), sessions: mem, close: func() error { return nil }}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", c.Driver)
	}
}

// app holds every orchestrator component wired from one Config
type app struct {
	cfg       *config.Config
	stores    *stores
	jobs      *controller.JobClient
	pool      *controller.WorkerPool
	creator   *controller.JobCreator
	processor *controller.TaskProcessor
	execution *workspace.ExecutionService
	cleanup   *workspace.CleanupService
}

// newApp wires the components. k8sClient and clientset may be nil when the
// Kubernetes integration is disabled.
func newApp(ctx context.Context, cfg *config.Config, st *stores, k8sClient client.Client, clientset kubernetes.Interface, clk clock.Clock) (*app, error) {
	var provisioner workspace.Provisioner
	if cfg.Workspace.ProvisionerURL != "" {
		p, err := workspace.NewHTTPProvisioner(cfg.Workspace.ProvisionerURL, cfg.Workspace.ProvisionerToken, cfg.Workspace.RequestTimeout.Duration)
		if err != nil {
			return nil, err
		}
		provisioner = p
	}

	a := &app{cfg: cfg, stores: st}
	a.jobs = controller.NewJobClient(k8sClient, clientset, cfg.Kubernetes)
	a.pool = controller.NewWorkerPool(ctx, cfg.Processor.Workers, cfg.Processor.Workers*4)
	a.creator = controller.NewJobCreator(a.jobs, a.pool, controller.NewDownloadAgentCommands(cfg.Kubernetes), cfg.Kubernetes)
	a.processor = controller.NewTaskProcessor(st.tasks, a.creator, a.jobs, controller.NewMemoryCrashLoopTracker(), clk, controller.ProcessorOptions{
		DefaultImage:     cfg.Kubernetes.DefaultImage,
		DefaultNamespace: cfg.Kubernetes.DefaultNamespace,
		CrashLoopTimeout: cfg.Processor.CrashLoopTimeout.Duration,
	})

	var exec workspace.Executor
	switch cfg.Workspace.Executor {
	case config.ExecutorJob:
		exec = executor.NewJobExecutor(st.tasks, a.creator, clk, cfg.Kubernetes.DefaultNamespace)
	default:
		exec = executor.NewSimulatedExecutor(st.tasks, clk, cfg.Workspace.SimulatedDuration.Duration)
	}
	a.execution = workspace.NewExecutionService(st.tasks, st.workspaces, provisioner, exec, a.jobs, clk, workspace.ExecutionOptions{
		WaitMaxAttempts:  cfg.Workspace.WaitMaxAttempts,
		WaitInterval:     cfg.Workspace.WaitInterval.Duration,
		TaskTimeout:      cfg.Workspace.TaskTimeout.Duration,
		DefaultNamespace: cfg.Kubernetes.DefaultNamespace,
	})
	a.cleanup = workspace.NewCleanupService(st.sessions, st.workspaces, provisioner, workspace.NewMemoryKeySet(), clk, workspace.CleanupOptions{
		GracePeriod: cfg.Workspace.FailedGracePeriod.Duration,
		TemplateID:  cfg.Workspace.TemplateID,
	})
	return a, nil
}

// cycleScheduler is the part of scheduler.Scheduler the app registers with
type cycleScheduler interface {
	Every(name string, delay time.Duration, fn scheduler.Cycle)
	Schedule(name string, schedule cron.Schedule, fn scheduler.Cycle)
}

// register adds the recurring cycles for the configured mode. Exactly one
// component picks up PENDING tasks.
func (a *app) register(s cycleScheduler) error {
	ws := a.cfg.Workspace
	switch a.cfg.Mode {
	case config.ModeWorkspace:
		s.Every("pending-sweep", ws.PendingSweepDelay.Duration, a.execution.DispatchPendingTasks)
		if ws.Executor == config.ExecutorJob {
			s.Every("job-monitor", a.cfg.Processor.MonitorDelay.Duration, a.processor.MonitorJobStatus)
		}
	default:
		s.Every("dispatch", a.cfg.Processor.DispatchDelay.Duration, a.processor.ProcessNextTask)
		s.Every("job-monitor", a.cfg.Processor.MonitorDelay.Duration, a.processor.MonitorJobStatus)
	}
	s.Every("running-sweep", ws.RunningSweepDelay.Duration, a.execution.TimeoutRunningTasks)
	s.Every("retry-sweep", ws.RetrySweepDelay.Duration, a.execution.RetryFailedTasks)

	schedule := cron.Schedule(cron.Every(ws.CleanupInterval.Duration))
	if ws.CleanupSchedule != "" {
		parsed, err := cron.ParseStandard(ws.CleanupSchedule)
		if err != nil {
			return fmt.Errorf("invalid cleanup schedule: %w", err)
		}
		schedule = parsed
	}
	s.Schedule("workspace-cleanup", schedule, a.cleanup.SweepFailedWorkspaces)
	return nil
}

// shutdown stops the worker pool after pending creations were observed
func (a *app) shutdown() error {
	a.pool.Stop()
	a.processor.WaitForCreations()
	return a.stores.close()
}
