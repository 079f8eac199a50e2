// Copyright Contributors to the KubeTask project

// Package executor runs tasks inside a ready workspace.
package executor

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kubetask/kubetask-orchestrator/internal/controller"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
	"github.com/kubetask/kubetask-orchestrator/internal/store"
)

// SimulateEnv selects a simulated outcome: "error" or "script-error"
const SimulateEnv = "KUBETASK_SIMULATE"

// ScriptError reports that the task's own script failed, as opposed to the
// infrastructure running it
type ScriptError struct {
	ExitCode int
	Output   string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script exited with code %d: %s", e.ExitCode, e.Output)
}

// SimulatedExecutor pretends to run a task by sleeping, then completes it
type SimulatedExecutor struct {
	tasks    store.TaskStore
	clock    clock.Clock
	duration time.Duration
}

// NewSimulatedExecutor creates a SimulatedExecutor
func NewSimulatedExecutor(tasks store.TaskStore, clk clock.Clock, duration time.Duration) *SimulatedExecutor {
	return &SimulatedExecutor{tasks: tasks, clock: clk, duration: duration}
}

// Execute runs task in ws
func (e *SimulatedExecutor) Execute(ctx context.Context, task *model.Task, ws *model.Workspace) error {
	log.FromContext(ctx).Info("simulating task execution", "task", task.ID, "workspace", ws.ID, "duration", e.duration.String())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(e.duration):
	}

	current, err := e.tasks.FindByID(ctx, task.ID)
	if err != nil {
		return err
	}
	if current.Status != model.TaskStatusInProgress {
		// cancelled or timed out while running
		return nil
	}

	now := e.clock.Now()
	switch task.AdditionalEnv[SimulateEnv] {
	case "error":
		current.Fail(now, model.ErrorCodeSimulated, "Simulated failure")
	case "script-error":
		return &ScriptError{ExitCode: 1, Output: "simulated script failure"}
	default:
		current.AppendLog(now, "Simulated execution in workspace %s completed", ws.Name)
		current.Status = model.TaskStatusCompleted
		current.CompletedAt = &now
	}
	_, err = e.tasks.Save(ctx, current)
	return err
}

// JobExecutor runs a task as a Kubernetes Job in the workspace namespace. The Job
// outcome is folded back into the task by the monitoring cycle.
type JobExecutor struct {
	tasks            store.TaskStore
	starter          controller.JobStarter
	clock            clock.PassiveClock
	defaultNamespace string
}

// NewJobExecutor creates a JobExecutor
func NewJobExecutor(tasks store.TaskStore, starter controller.JobStarter, clk clock.PassiveClock, defaultNamespace string) *JobExecutor {
	return &JobExecutor{tasks: tasks, starter: starter, clock: clk, defaultNamespace: defaultNamespace}
}

// Execute submits the Job and waits until the cluster accepted it
func (e *JobExecutor) Execute(ctx context.Context, task *model.Task, ws *model.Workspace) error {
	namespace := ws.Resources.Namespace
	if namespace == "" {
		namespace = task.Namespace
	}
	if namespace == "" {
		namespace = e.defaultNamespace
	}

	jobName, future := e.starter.CreateJob(ctx, controller.JobRequest{
		Task:      task,
		Namespace: namespace,
		PVCName:   ws.Resources.PVCName,
	})
	if jobName == controller.DisabledJobName {
		return controller.ErrIntegrationDisabled
	}
	if err := future.Wait(ctx); err != nil {
		return fmt.Errorf("create job %s: %w", jobName, err)
	}

	current, err := e.tasks.FindByID(ctx, task.ID)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	current.JobName = jobName
	current.Namespace = namespace
	current.AppendLog(now, "Job %s created in namespace %s for workspace %s", jobName, namespace, ws.Name)
	_, err = e.tasks.Save(ctx, current)
	return err
}
