// Copyright Contributors to the KubeTask project

//go:build !integration

package workspace

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/kubetask/kubetask-orchestrator/internal/executor"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
	"github.com/kubetask/kubetask-orchestrator/internal/store"
)

var _ = Describe("ExecutionService", func() {
	const interval = 10 * time.Second

	var (
		ctx         context.Context
		mem         *store.MemoryStore
		workspaces  *store.MemoryWorkspaces
		provisioner *fakeProvisioner
		exec        *recordingExecutor
		jobs        *recordingJobRemover
		clk         *testingclock.FakeClock
		svc         *ExecutionService
	)

	saveTask := func(t *model.Task) *model.Task {
		saved, err := mem.Save(ctx, t)
		Expect(err).NotTo(HaveOccurred())
		return saved
	}

	getTask := func(id string) *model.Task {
		t, err := mem.FindByID(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	saveWorkspace := func(ws *model.Workspace) *model.Workspace {
		saved, err := workspaces.Save(ctx, ws)
		Expect(err).NotTo(HaveOccurred())
		return saved
	}

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemoryStore()
		workspaces = mem.Workspaces()
		provisioner = newFakeProvisioner()
		exec = &recordingExecutor{}
		jobs = &recordingJobRemover{}
		clk = testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
		svc = NewExecutionService(mem, workspaces, provisioner, exec, jobs, clk, ExecutionOptions{
			WaitMaxAttempts:  30,
			WaitInterval:     interval,
			TaskTimeout:      30 * time.Minute,
			DefaultNamespace: "kubetask",
		})
	})

	Context("readiness gate", func() {
		It("starts a stopped workspace of the session and waits for it", func() {
			ws := saveWorkspace(&model.Workspace{Name: "dev", SessionID: "S", Status: model.WorkspaceStatusStopped, ProvisionerID: "p-w"})
			provisioner.script("p-w", "stopped", "starting", "starting", "running")
			t := saveTask(&model.Task{Title: "run", SessionID: "S"})

			start := clk.Now()
			stop := driveClock(clk, interval)
			err := svc.ExecuteTaskInWorkspace(ctx, t.ID)
			stop()
			Expect(err).NotTo(HaveOccurred())

			By("binding the workspace and requesting a start")
			got := getTask(t.ID)
			Expect(got.WorkspaceID).NotTo(BeNil())
			Expect(*got.WorkspaceID).To(Equal(ws.ID))
			Expect(provisioner.started).To(Equal([]string{"p-w"}))

			By("observing RUNNING on the third attempt")
			Expect(provisioner.statusCalls("p-w")).To(Equal(4))
			Expect(clk.Since(start)).To(Equal(2 * interval))

			By("executing only once the workspace runs")
			Expect(exec.calls).To(Equal(1))
			Expect(exec.taskState).To(Equal(model.TaskStatusInProgress))
			Expect(exec.wsState).To(Equal(model.WorkspaceStatusRunning))
			Expect(got.Status).To(Equal(model.TaskStatusInProgress))

			stored, err := workspaces.FindByID(ctx, ws.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.WorkspaceStatusRunning))
			Expect(stored.LastUsedAt).NotTo(BeNil())
		})

		It("proceeds immediately when the workspace is running", func() {
			ws := saveWorkspace(&model.Workspace{Name: "dev", SessionID: "S", Status: model.WorkspaceStatusRunning})
			t := saveTask(&model.Task{Title: "run", WorkspaceID: &ws.ID})

			Expect(svc.ExecuteTaskInWorkspace(ctx, t.ID)).To(Succeed())
			Expect(exec.calls).To(Equal(1))
			Expect(getTask(t.ID).Status).To(Equal(model.TaskStatusInProgress))
		})

		It("fails the task when the workspace never becomes ready", func() {
			ws := saveWorkspace(&model.Workspace{Name: "dev", SessionID: "S", Status: model.WorkspaceStatusStarting, ProvisionerID: "p-w"})
			provisioner.script("p-w", "starting")
			t := saveTask(&model.Task{Title: "run", WorkspaceID: &ws.ID})

			stop := driveClock(clk, interval)
			err := svc.ExecuteTaskInWorkspace(ctx, t.ID)
			stop()

			Expect(err).To(MatchError(ErrWorkspaceNotReady))
			Expect(provisioner.statusCalls("p-w")).To(Equal(31))
			Expect(provisioner.started).To(BeEmpty())
			Expect(exec.calls).To(BeZero())

			got := getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusFailed))
			Expect(got.ErrorCode).To(Equal(model.ErrorCodeWorkspaceNotReady))
		})

		It("fails the task when the workspace fails while starting", func() {
			ws := saveWorkspace(&model.Workspace{Name: "dev", SessionID: "S", Status: model.WorkspaceStatusStopped, ProvisionerID: "p-w"})
			provisioner.script("p-w", "stopped", "starting", "failed")
			t := saveTask(&model.Task{Title: "run", WorkspaceID: &ws.ID})

			stop := driveClock(clk, interval)
			err := svc.ExecuteTaskInWorkspace(ctx, t.ID)
			stop()

			Expect(err).To(MatchError(ErrWorkspaceFailed))
			Expect(getTask(t.ID).ErrorCode).To(Equal(model.ErrorCodeWorkspaceNotReady))
		})

		It("refuses workspaces that cannot be started", func() {
			ws := saveWorkspace(&model.Workspace{Name: "dev", SessionID: "S", Status: model.WorkspaceStatusDeleting})
			t := saveTask(&model.Task{Title: "run", WorkspaceID: &ws.ID})

			Expect(svc.ExecuteTaskInWorkspace(ctx, t.ID)).To(MatchError(ErrWorkspaceNotReady))
			Expect(getTask(t.ID).Status).To(Equal(model.TaskStatusFailed))
			Expect(exec.calls).To(BeZero())
		})

		It("fails the task when the session has no workspace", func() {
			t := saveTask(&model.Task{Title: "run", SessionID: "empty"})

			Expect(svc.ExecuteTaskInWorkspace(ctx, t.ID)).To(MatchError(ErrNoWorkspace))
			got := getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusFailed))
			Expect(got.ErrorCode).To(Equal(model.ErrorCodeNoWorkspace))
			Expect(exec.calls).To(BeZero())
		})

		It("fails the task when its workspace was removed and rebinds it on retry", func() {
			gone := "removed-workspace"
			t := saveTask(&model.Task{Title: "run", SessionID: "S", WorkspaceID: &gone, MaxRetries: 1})
			replacement := saveWorkspace(&model.Workspace{Name: "dev-2", SessionID: "S", Status: model.WorkspaceStatusRunning})

			By("failing instead of waiting forever")
			Expect(svc.ExecuteTaskInWorkspace(ctx, t.ID)).To(MatchError(ErrNoWorkspace))
			Expect(getTask(t.ID).ErrorCode).To(Equal(model.ErrorCodeNoWorkspace))

			By("dropping the stale binding on retry")
			retried, err := svc.RetryTask(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(retried.WorkspaceID).To(BeNil())

			By("running in the session's replacement workspace")
			Expect(svc.ExecuteTaskInWorkspace(ctx, t.ID)).To(Succeed())
			got := getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusInProgress))
			Expect(*got.WorkspaceID).To(Equal(replacement.ID))
		})

		It("only executes pending tasks", func() {
			t := saveTask(&model.Task{Title: "done", Status: model.TaskStatusCompleted})
			Expect(svc.ExecuteTaskInWorkspace(ctx, t.ID)).To(MatchError(ErrTaskNotPending))
		})
	})

	Context("executor failures", func() {
		var t *model.Task

		BeforeEach(func() {
			ws := saveWorkspace(&model.Workspace{Name: "dev", SessionID: "S", Status: model.WorkspaceStatusRunning})
			t = saveTask(&model.Task{Title: "run", WorkspaceID: &ws.ID})
		})

		It("classifies script failures", func() {
			exec.err = &executor.ScriptError{ExitCode: 2, Output: "boom"}
			Expect(svc.ExecuteTaskInWorkspace(ctx, t.ID)).NotTo(Succeed())
			Expect(getTask(t.ID).ErrorCode).To(Equal(model.ErrorCodeScript))
		})

		It("classifies other failures as execution errors", func() {
			exec.err = errors.New("agent unreachable")
			Expect(svc.ExecuteTaskInWorkspace(ctx, t.ID)).NotTo(Succeed())
			got := getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusFailed))
			Expect(got.ErrorCode).To(Equal(model.ErrorCodeExecution))
			Expect(got.Logs).To(ContainSubstring("agent unreachable"))
		})
	})

	Context("sweeps", func() {
		It("dispatches every pending task and keeps going after a failure", func() {
			ws := saveWorkspace(&model.Workspace{Name: "dev", SessionID: "S", Status: model.WorkspaceStatusRunning})
			orphan := saveTask(&model.Task{Title: "orphan", CreatedAt: clk.Now().Add(-time.Minute)})
			t := saveTask(&model.Task{Title: "run", WorkspaceID: &ws.ID, CreatedAt: clk.Now()})

			svc.DispatchPendingTasks(ctx)

			Expect(getTask(orphan.ID).ErrorCode).To(Equal(model.ErrorCodeNoWorkspace))
			Expect(getTask(t.ID).Status).To(Equal(model.TaskStatusInProgress))
		})

		It("times out tasks running longer than the task timeout", func() {
			overdue := saveTask(&model.Task{Title: "slow", Status: model.TaskStatusInProgress, JobName: "job-slow",
				StartedAt: ptrTime(clk.Now().Add(-31 * time.Minute))})
			recent := saveTask(&model.Task{Title: "fresh", Status: model.TaskStatusInProgress, StartedAt: ptrTime(clk.Now().Add(-10 * time.Minute))})

			svc.TimeoutRunningTasks(ctx)

			got := getTask(overdue.ID)
			Expect(got.Status).To(Equal(model.TaskStatusFailed))
			Expect(got.ErrorCode).To(Equal(model.ErrorCodeTimeout))
			Expect(got.Logs).To(ContainSubstring("Job job-slow deleted"))
			Expect(jobs.removed()).To(Equal([]string{"kubetask/job-slow"}))
			Expect(getTask(recent.ID).Status).To(Equal(model.TaskStatusInProgress))
		})

		It("retries failed tasks with budget left", func() {
			retryable := saveTask(&model.Task{Title: "flaky", Status: model.TaskStatusFailed, MaxRetries: 3, RetryCount: 1,
				JobName: "job-x", Namespace: "team-a", ErrorCode: model.ErrorCodeExecution})
			exhausted := saveTask(&model.Task{Title: "broken", Status: model.TaskStatusFailed, MaxRetries: 3, RetryCount: 3})

			svc.RetryFailedTasks(ctx)

			got := getTask(retryable.ID)
			Expect(got.Status).To(Equal(model.TaskStatusPending))
			Expect(got.RetryCount).To(Equal(2))
			Expect(got.JobName).To(BeEmpty())
			Expect(got.ErrorCode).To(BeEmpty())
			Expect(got.Logs).To(ContainSubstring("Retry 2 of 3 requested"))
			Expect(jobs.removed()).To(Equal([]string{"team-a/job-x"}))

			untouched := getTask(exhausted.ID)
			Expect(untouched.Status).To(Equal(model.TaskStatusFailed))
			Expect(untouched.RetryCount).To(Equal(3))
		})

		It("rejects retries outside the failed state or budget", func() {
			running := saveTask(&model.Task{Title: "running", Status: model.TaskStatusInProgress, MaxRetries: 3})
			_, err := svc.RetryTask(ctx, running.ID)
			Expect(err).To(MatchError(ErrNotRetryable))

			exhausted := saveTask(&model.Task{Title: "broken", Status: model.TaskStatusFailed, MaxRetries: 1, RetryCount: 1})
			_, err = svc.RetryTask(ctx, exhausted.ID)
			Expect(err).To(MatchError(ErrRetryBudgetExhausted))
		})
	})
})

func ptrTime(t time.Time) *time.Time {
	return &t
}
