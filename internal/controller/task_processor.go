// Copyright Contributors to the KubeTask project

package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kubetask/kubetask-orchestrator/internal/metrics"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
	"github.com/kubetask/kubetask-orchestrator/internal/store"
)

// DefaultLogTailLines is how many lines of Job output are copied into the task log
const DefaultLogTailLines = 100

// ErrTaskNotCancellable is returned when cancelling a task that already finished
var ErrTaskNotCancellable = errors.New("task is not cancellable")

// ProcessorOptions configures a TaskProcessor
type ProcessorOptions struct {
	DefaultImage     string
	DefaultNamespace string
	CrashLoopTimeout time.Duration
	LogTailLines     int
}

// TaskProcessor drives tasks through Kubernetes Jobs with two independent cycles:
// dispatch starts the oldest queued task when nothing is running, and monitoring
// folds Job status back into the tasks that are running.
type TaskProcessor struct {
	tasks   store.TaskStore
	starter JobStarter
	jobs    JobLifecycle
	tracker CrashLoopTracker
	clock   clock.PassiveClock
	opts    ProcessorOptions

	dispatchGuard Guard
	monitorGuard  Guard

	// watchers tracks goroutines waiting on Job creation futures
	watchers sync.WaitGroup
}

// NewTaskProcessor creates a TaskProcessor
func NewTaskProcessor(tasks store.TaskStore, starter JobStarter, jobs JobLifecycle, tracker CrashLoopTracker, clk clock.PassiveClock, opts ProcessorOptions) *TaskProcessor {
	if opts.LogTailLines <= 0 {
		opts.LogTailLines = DefaultLogTailLines
	}
	return &TaskProcessor{
		tasks:   tasks,
		starter: starter,
		jobs:    jobs,
		tracker: tracker,
		clock:   clk,
		opts:    opts,
	}
}

// ProcessNextTask runs one dispatch cycle unless one is already running
func (p *TaskProcessor) ProcessNextTask(ctx context.Context) {
	if !p.dispatchGuard.TryRun(func() { p.processNextTask(ctx) }) {
		log.FromContext(ctx).V(1).Info("dispatch cycle already running, skipping")
	}
}

// MonitorJobStatus runs one monitoring cycle unless one is already running
func (p *TaskProcessor) MonitorJobStatus(ctx context.Context) {
	if !p.monitorGuard.TryRun(func() { p.monitorJobStatus(ctx) }) {
		log.FromContext(ctx).V(1).Info("monitoring cycle already running, skipping")
	}
}

// WaitForCreations blocks until every pending Job creation has been observed
func (p *TaskProcessor) WaitForCreations() {
	p.watchers.Wait()
}

func (p *TaskProcessor) processNextTask(ctx context.Context) {
	log := log.FromContext(ctx)

	if !p.jobs.Enabled() {
		log.V(1).Info("skipping dispatch", "reason", MsgIntegrationDisabled)
		return
	}

	running, err := p.tasks.FindByStatus(ctx, model.TaskStatusInProgress)
	if err != nil {
		log.Error(err, "unable to list in-progress tasks")
		return
	}
	if len(running) > 0 {
		log.V(1).Info("task already in progress, not dispatching", "task", running[0].ID)
		return
	}

	pending, err := p.tasks.FindByStatus(ctx, model.TaskStatusPending)
	if err != nil {
		log.Error(err, "unable to list pending tasks")
		return
	}
	if len(pending) == 0 {
		return
	}

	task := pending[0]
	if err := p.dispatch(ctx, task); err != nil {
		log.Error(err, "unable to dispatch task", "task", task.ID)
		task.Fail(p.clock.Now(), model.ErrorCodeDispatch, err.Error())
		if _, err := p.tasks.Save(ctx, task); err != nil {
			log.Error(err, "unable to update task", "task", task.ID)
			return
		}
		metrics.TasksCompleted.WithLabelValues(string(model.TaskStatusFailed)).Inc()
	}
}

func (p *TaskProcessor) dispatch(ctx context.Context, task *model.Task) error {
	namespace := p.namespaceFor(task)
	image := task.Image
	if image == "" {
		image = p.opts.DefaultImage
	}

	jobName, future := p.starter.CreateJob(ctx, JobRequest{
		Task:      task,
		Image:     image,
		Namespace: namespace,
		JobName:   task.JobName,
		PVCName:   sessionPVCName(task),
	})
	if jobName == DisabledJobName {
		return ErrIntegrationDisabled
	}

	now := p.clock.Now()
	task.Status = model.TaskStatusInProgress
	task.JobName = jobName
	task.Namespace = namespace
	task.StartedAt = &now
	task.AppendLog(now, "Job %s created in namespace %s", jobName, namespace)
	if _, err := p.tasks.Save(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	metrics.TasksDispatched.Inc()
	log.FromContext(ctx).Info("dispatched task", "task", task.ID, "job", jobName, "namespace", namespace)

	p.watchCreation(ctx, task.ID, jobName, future)
	return nil
}

// watchCreation fails the task if its Job never gets created
func (p *TaskProcessor) watchCreation(ctx context.Context, taskID, jobName string, future *Future) {
	p.watchers.Add(1)
	go func() {
		defer p.watchers.Done()
		err := future.Wait(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		log := log.FromContext(ctx).WithValues("task", taskID, "job", jobName)
		task, ferr := p.tasks.FindByID(ctx, taskID)
		if ferr != nil {
			log.Error(ferr, "unable to load task after failed Job creation")
			return
		}
		if task.Status != model.TaskStatusInProgress || task.JobName != jobName {
			return
		}
		task.Fail(p.clock.Now(), model.ErrorCodeDispatch, fmt.Sprintf("Job %s could not be created: %v", jobName, err))
		if _, err := p.tasks.Save(ctx, task); err != nil {
			log.Error(err, "unable to update task")
			return
		}
		metrics.TasksCompleted.WithLabelValues(string(model.TaskStatusFailed)).Inc()
	}()
}

func (p *TaskProcessor) monitorJobStatus(ctx context.Context) {
	log := log.FromContext(ctx)

	running, err := p.tasks.FindByStatus(ctx, model.TaskStatusInProgress)
	if err != nil {
		log.Error(err, "unable to list in-progress tasks")
		return
	}

	backing := make(map[string]struct{}, len(running))
	for _, task := range running {
		jobName := task.JobName
		if jobName == "" {
			jobName = model.JobNameFor(task)
		}
		backing[jobName] = struct{}{}
		p.reconcileTask(ctx, task, jobName)
	}

	p.tracker.Retain(backing)
}

func (p *TaskProcessor) reconcileTask(ctx context.Context, task *model.Task, jobName string) {
	log := log.FromContext(ctx).WithValues("task", task.ID, "job", jobName)
	namespace := p.namespaceFor(task)

	status := p.jobs.GetJobStatus(ctx, namespace, jobName)
	now := p.clock.Now()

	switch status {
	case model.JobStatusCrashLoopBackOff:
		firstSeen := p.tracker.Observe(jobName, now)
		dwell := now.Sub(firstSeen)
		if dwell < p.opts.CrashLoopTimeout {
			log.Info("Job is crash-looping", "for", dwell.String(), "timeout", p.opts.CrashLoopTimeout.String())
			return
		}

		p.jobs.DeleteJob(ctx, namespace, jobName)
		task.Fail(now, model.ErrorCodeCrashLoopTimeout,
			fmt.Sprintf("Job %s stayed in CrashLoopBackOff for %s, exceeding the %s limit", jobName, dwell.Round(time.Second), p.opts.CrashLoopTimeout))
		if _, err := p.tasks.Save(ctx, task); err != nil {
			log.Error(err, "unable to update task")
			return
		}
		p.tracker.Forget(jobName)
		metrics.CrashLoopTimeouts.Inc()
		metrics.TasksCompleted.WithLabelValues(string(model.TaskStatusFailed)).Inc()
		log.Info("failed crash-looping task")

	case model.JobStatusSucceeded, model.JobStatusCompleted, model.JobStatusFailed:
		p.tracker.Forget(jobName)
		p.finishTask(ctx, task, namespace, jobName, status, now)

	case model.JobStatusActive:
		p.tracker.Forget(jobName)
		if task.PodName != "" {
			return
		}
		if podName := p.jobs.JobPodName(ctx, namespace, jobName); podName != "" {
			task.PodName = podName
			if _, err := p.tasks.Save(ctx, task); err != nil {
				log.Error(err, "unable to record pod name")
			}
		}

	default:
		p.tracker.Forget(jobName)
	}
}

func (p *TaskProcessor) finishTask(ctx context.Context, task *model.Task, namespace, jobName string, status model.JobStatus, now time.Time) {
	log := log.FromContext(ctx).WithValues("task", task.ID, "job", jobName)

	if task.PodName == "" {
		task.PodName = p.jobs.JobPodName(ctx, namespace, jobName)
	}
	output := tailLines(p.jobs.GetJobLogs(ctx, namespace, jobName), p.opts.LogTailLines)

	task.AppendLog(now, "Job %s completed with status %s", jobName, status)
	if output != "" {
		task.AppendLog(now, "Job output:\n%s", output)
	}

	if status.IsSuccess() {
		task.Status = model.TaskStatusCompleted
		task.CompletedAt = &now
		task.ErrorCode = ""
		task.ErrorMessage = ""
	} else {
		task.Fail(now, model.ErrorCodeJobFailed, fmt.Sprintf("Job %s failed", jobName))
	}

	if _, err := p.tasks.Save(ctx, task); err != nil {
		log.Error(err, "unable to update task")
		return
	}
	metrics.TasksCompleted.WithLabelValues(string(task.Status)).Inc()
	log.Info("task finished", "status", task.Status)
}

// CancelTask cancels a task that has not finished yet and removes its Job
func (p *TaskProcessor) CancelTask(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := p.tasks.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(task.Status, model.TaskStatusCancelled) {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskNotCancellable, taskID, task.Status)
	}

	now := p.clock.Now()
	if task.JobName != "" {
		namespace := p.namespaceFor(task)
		if p.jobs.DeleteJob(ctx, namespace, task.JobName) {
			task.AppendLog(now, "Job %s deleted", task.JobName)
		}
		p.tracker.Forget(task.JobName)
	}

	task.Status = model.TaskStatusCancelled
	task.CompletedAt = &now
	task.AppendLog(now, "Task cancelled")
	saved, err := p.tasks.Save(ctx, task)
	if err != nil {
		return nil, err
	}
	metrics.TasksCompleted.WithLabelValues(string(model.TaskStatusCancelled)).Inc()
	return saved, nil
}

func (p *TaskProcessor) namespaceFor(task *model.Task) string {
	if task.Namespace != "" {
		return task.Namespace
	}
	return p.opts.DefaultNamespace
}

// tailLines returns the last n lines of s
func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
