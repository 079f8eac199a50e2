// Copyright Contributors to the KubeTask project

// Package workspace runs tasks inside provisioned workspaces and repairs workspaces
// that ended up permanently failed.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kubetask/kubetask-orchestrator/internal/controller"
	"github.com/kubetask/kubetask-orchestrator/internal/executor"
	"github.com/kubetask/kubetask-orchestrator/internal/metrics"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
	"github.com/kubetask/kubetask-orchestrator/internal/store"
)

var (
	// ErrNoWorkspace is returned when a task's session has no workspace to run in
	ErrNoWorkspace = errors.New("no workspace available for task")
	// ErrTaskNotPending is returned when executing a task that is not queued
	ErrTaskNotPending = errors.New("task is not pending")
	// ErrNotRetryable is returned when retrying a task that has not failed
	ErrNotRetryable = errors.New("task is not retryable")
	// ErrRetryBudgetExhausted is returned when a task used up its retries
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// Executor performs the actual run of a task inside a ready workspace. It either
// records the outcome on the task itself or returns an error.
type Executor interface {
	Execute(ctx context.Context, task *model.Task, ws *model.Workspace) error
}

// JobRemover deletes the Kubernetes Job that backs a task
type JobRemover interface {
	DeleteJob(ctx context.Context, namespace, name string) bool
}

// ExecutionOptions configures an ExecutionService
type ExecutionOptions struct {
	WaitMaxAttempts int
	WaitInterval    time.Duration
	TaskTimeout     time.Duration
	// DefaultNamespace is where Jobs of tasks without a namespace live
	DefaultNamespace string
}

// ExecutionService gates task execution on workspace readiness and sweeps tasks
// that are queued, overdue or eligible for retry.
type ExecutionService struct {
	tasks       store.TaskStore
	workspaces  store.WorkspaceStore
	provisioner Provisioner
	executor    Executor
	jobs        JobRemover
	clock       clock.Clock
	opts        ExecutionOptions

	pendingGuard controller.Guard
	runningGuard controller.Guard
	retryGuard   controller.Guard
}

// NewExecutionService creates an ExecutionService. provisioner may be nil, in which
// case workspace status is read from the store only. jobs may be nil when tasks are
// never backed by Jobs.
func NewExecutionService(tasks store.TaskStore, workspaces store.WorkspaceStore, provisioner Provisioner, exec Executor, jobs JobRemover, clk clock.Clock, opts ExecutionOptions) *ExecutionService {
	return &ExecutionService{
		tasks:       tasks,
		workspaces:  workspaces,
		provisioner: provisioner,
		executor:    exec,
		jobs:        jobs,
		clock:       clk,
		opts:        opts,
	}
}

// ExecuteTaskInWorkspace runs a pending task once its workspace is RUNNING
func (s *ExecutionService) ExecuteTaskInWorkspace(ctx context.Context, taskID string) error {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusPending {
		return fmt.Errorf("%w: task %s is %s", ErrTaskNotPending, task.ID, task.Status)
	}
	logger := log.FromContext(ctx).WithValues("task", task.ID)

	ws, err := s.resolveWorkspace(ctx, task)
	if errors.Is(err, ErrNoWorkspace) {
		task.Fail(s.clock.Now(), model.ErrorCodeNoWorkspace, err.Error())
		if _, serr := s.tasks.Save(ctx, task); serr != nil {
			logger.Error(serr, "unable to update task")
		}
		metrics.TasksCompleted.WithLabelValues(string(model.TaskStatusFailed)).Inc()
		return err
	} else if err != nil {
		return err
	}
	logger = logger.WithValues("workspace", ws.ID)
	ctx = log.IntoContext(ctx, logger)

	if err := s.ensureRunning(ctx, task, ws); err != nil {
		task.Fail(s.clock.Now(), model.ErrorCodeWorkspaceNotReady, err.Error())
		if _, serr := s.tasks.Save(ctx, task); serr != nil {
			logger.Error(serr, "unable to update task")
		}
		metrics.TasksCompleted.WithLabelValues(string(model.TaskStatusFailed)).Inc()
		return err
	}

	now := s.clock.Now()
	task.Status = model.TaskStatusInProgress
	task.StartedAt = &now
	task.AppendLog(now, "Workspace %s is running, starting execution", ws.Name)
	task, err = s.tasks.Save(ctx, task)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	ws.LastUsedAt = &now
	if _, err := s.workspaces.Save(ctx, ws); err != nil {
		logger.Error(err, "unable to record workspace use")
	}

	if err := s.executor.Execute(ctx, task, ws); err != nil {
		code := model.ErrorCodeExecution
		var scriptErr *executor.ScriptError
		if errors.As(err, &scriptErr) {
			code = model.ErrorCodeScript
		}
		s.failTask(ctx, task.ID, code, err.Error())
		return err
	}
	return nil
}

func (s *ExecutionService) resolveWorkspace(ctx context.Context, task *model.Task) (*model.Workspace, error) {
	if task.WorkspaceID != nil && *task.WorkspaceID != "" {
		ws, err := s.workspaces.FindByID(ctx, *task.WorkspaceID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: workspace %s no longer exists", ErrNoWorkspace, *task.WorkspaceID)
		}
		return ws, err
	}
	if task.SessionID == "" {
		return nil, fmt.Errorf("%w: task %s has no session", ErrNoWorkspace, task.ID)
	}

	candidates, err := s.workspaces.FindBySessionID(ctx, task.SessionID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: session %s has no workspace", ErrNoWorkspace, task.SessionID)
	}

	ws := candidates[0]
	task.WorkspaceID = &ws.ID
	task.AppendLog(s.clock.Now(), "Assigned workspace %s", ws.Name)
	saved, err := s.tasks.Save(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	*task = *saved
	return ws, nil
}

// ensureRunning is the readiness gate: it returns nil only once ws is RUNNING
func (s *ExecutionService) ensureRunning(ctx context.Context, task *model.Task, ws *model.Workspace) error {
	status, err := s.refreshStatus(ctx, ws)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkspaceNotReady, err)
	}

	switch status {
	case model.WorkspaceStatusRunning:
		return nil
	case model.WorkspaceStatusStopped, model.WorkspaceStatusPending:
		task.AppendLog(s.clock.Now(), "Starting workspace %s", ws.Name)
		if err := s.startWorkspace(ctx, ws); err != nil {
			return fmt.Errorf("%w: start failed: %v", ErrWorkspaceNotReady, err)
		}
	case model.WorkspaceStatusStarting:
	default:
		return fmt.Errorf("%w: workspace %s is %s", ErrWorkspaceNotReady, ws.Name, status)
	}

	task.AppendLog(s.clock.Now(), "Waiting for workspace %s to be running", ws.Name)
	attempts, err := WaitForRunning(ctx, s.clock, s.opts.WaitMaxAttempts, s.opts.WaitInterval, func(ctx context.Context) (model.WorkspaceStatus, error) {
		return s.refreshStatus(ctx, ws)
	})
	if err != nil {
		return err
	}
	log.FromContext(ctx).Info("workspace is running", "attempts", attempts)
	return nil
}

// refreshStatus reads the workspace status from the provisioner when it manages the
// workspace, recording changes in the store. ws is updated in place.
func (s *ExecutionService) refreshStatus(ctx context.Context, ws *model.Workspace) (model.WorkspaceStatus, error) {
	current, err := s.workspaces.FindByID(ctx, ws.ID)
	if err != nil {
		return "", err
	}
	if s.provisioner == nil || current.ProvisionerID == "" {
		*ws = *current
		return current.Status, nil
	}

	pw, err := s.provisioner.GetWorkspace(ctx, current.ProvisionerID)
	if err != nil {
		return "", err
	}
	status := pw.Status()
	if status != current.Status {
		now := s.clock.Now()
		current.Status = status
		current.Build = model.BuildInfo{
			BuildID:     pw.LatestBuild.ID,
			BuildNumber: pw.LatestBuild.BuildNumber,
			BuildStatus: pw.LatestBuild.Status,
		}
		current.UpdatedAt = now
		if status == model.WorkspaceStatusRunning {
			current.StartedAt = &now
		}
		if current, err = s.workspaces.Save(ctx, current); err != nil {
			return "", err
		}
	}
	*ws = *current
	return status, nil
}

func (s *ExecutionService) startWorkspace(ctx context.Context, ws *model.Workspace) error {
	if s.provisioner != nil && ws.ProvisionerID != "" {
		build, err := s.provisioner.StartWorkspace(ctx, ws.ProvisionerID)
		if err != nil {
			return err
		}
		ws.Build = model.BuildInfo{BuildID: build.ID, BuildNumber: build.BuildNumber, BuildStatus: build.Status}
	}
	ws.Status = model.WorkspaceStatusStarting
	ws.UpdatedAt = s.clock.Now()
	saved, err := s.workspaces.Save(ctx, ws)
	if err != nil {
		return err
	}
	*ws = *saved
	log.FromContext(ctx).Info("requested workspace start")
	return nil
}

// removeJob deletes the Job of the task's current attempt, if there is one
func (s *ExecutionService) removeJob(ctx context.Context, task *model.Task, now time.Time) {
	if s.jobs == nil || task.JobName == "" {
		return
	}
	namespace := task.Namespace
	if namespace == "" {
		namespace = s.opts.DefaultNamespace
	}
	if s.jobs.DeleteJob(ctx, namespace, task.JobName) {
		task.AppendLog(now, "Job %s deleted", task.JobName)
	}
}

func (s *ExecutionService) failTask(ctx context.Context, taskID string, code model.ErrorCode, message string) {
	log := log.FromContext(ctx)
	// The executor may have written to the task, so start from the stored copy
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		log.Error(err, "unable to load task to record failure")
		return
	}
	task.Fail(s.clock.Now(), code, message)
	if _, err := s.tasks.Save(ctx, task); err != nil {
		log.Error(err, "unable to update task")
		return
	}
	metrics.TasksCompleted.WithLabelValues(string(model.TaskStatusFailed)).Inc()
}

// DispatchPendingTasks runs every queued task unless a sweep is already running
func (s *ExecutionService) DispatchPendingTasks(ctx context.Context) {
	s.pendingGuard.TryRun(func() {
		log := log.FromContext(ctx)
		pending, err := s.tasks.FindByStatus(ctx, model.TaskStatusPending)
		if err != nil {
			log.Error(err, "unable to list pending tasks")
			return
		}
		for _, task := range pending {
			if err := s.ExecuteTaskInWorkspace(ctx, task.ID); err != nil {
				log.Error(err, "unable to execute task", "task", task.ID)
			}
		}
	})
}

// TimeoutRunningTasks fails tasks that have been running longer than the task timeout
func (s *ExecutionService) TimeoutRunningTasks(ctx context.Context) {
	s.runningGuard.TryRun(func() {
		log := log.FromContext(ctx)
		running, err := s.tasks.FindByStatus(ctx, model.TaskStatusInProgress)
		if err != nil {
			log.Error(err, "unable to list running tasks")
			return
		}

		now := s.clock.Now()
		for _, task := range running {
			started := task.UpdatedAt
			if task.StartedAt != nil {
				started = *task.StartedAt
			}
			elapsed := now.Sub(started)
			if elapsed <= s.opts.TaskTimeout {
				continue
			}
			s.removeJob(ctx, task, now)
			task.Fail(now, model.ErrorCodeTimeout,
				fmt.Sprintf("Task exceeded the %s execution timeout after %s", s.opts.TaskTimeout, elapsed.Round(time.Second)))
			if _, err := s.tasks.Save(ctx, task); err != nil {
				log.Error(err, "unable to time out task", "task", task.ID)
				continue
			}
			metrics.TasksCompleted.WithLabelValues(string(model.TaskStatusFailed)).Inc()
			log.Info("timed out task", "task", task.ID, "elapsed", elapsed.String())
		}
	})
}

// RetryFailedTasks requeues failed tasks that still have retry budget
func (s *ExecutionService) RetryFailedTasks(ctx context.Context) {
	s.retryGuard.TryRun(func() {
		log := log.FromContext(ctx)
		failed, err := s.tasks.FindByStatus(ctx, model.TaskStatusFailed)
		if err != nil {
			log.Error(err, "unable to list failed tasks")
			return
		}
		for _, task := range failed {
			if !task.HasRetryBudget() {
				continue
			}
			if _, err := s.RetryTask(ctx, task.ID); err != nil {
				log.Error(err, "unable to retry task", "task", task.ID)
			}
		}
	})
}

// RetryTask puts a failed task back in the queue. The retry count is charged when
// the retry is requested, not when it runs. The Job of the failed attempt is removed
// and a binding to a workspace that no longer exists is dropped.
func (s *ExecutionService) RetryTask(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusFailed {
		return nil, fmt.Errorf("%w: task %s is %s", ErrNotRetryable, task.ID, task.Status)
	}
	if !task.HasRetryBudget() {
		return nil, fmt.Errorf("%w: task %s used %d of %d retries", ErrRetryBudgetExhausted, task.ID, task.RetryCount, task.MaxRetries)
	}

	task, err = s.tasks.IncrementRetryCount(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	s.removeJob(ctx, task, now)
	if task.WorkspaceID != nil && *task.WorkspaceID != "" {
		if _, err := s.workspaces.FindByID(ctx, *task.WorkspaceID); errors.Is(err, store.ErrNotFound) {
			task.AppendLog(now, "Workspace %s no longer exists, the session workspace will be used", *task.WorkspaceID)
			task.WorkspaceID = nil
		}
	}
	task.Status = model.TaskStatusPending
	task.JobName = ""
	task.PodName = ""
	task.ErrorCode = ""
	task.ErrorMessage = ""
	task.StartedAt = nil
	task.CompletedAt = nil
	task.AppendLog(now, "Retry %d of %d requested", task.RetryCount, task.MaxRetries)
	saved, err := s.tasks.Save(ctx, task)
	if err != nil {
		return nil, err
	}
	log.FromContext(ctx).Info("requeued task", "task", task.ID, "retry", task.RetryCount)
	return saved, nil
}
