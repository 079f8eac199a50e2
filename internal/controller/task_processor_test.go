// Copyright Contributors to the KubeTask project

//go:build !integration

package controller

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	kubefake "k8s.io/client-go/kubernetes/fake"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/kubetask/kubetask-orchestrator/internal/config"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
	"github.com/kubetask/kubetask-orchestrator/internal/store"
)

var _ = Describe("TaskProcessor", func() {
	var (
		ctx       context.Context
		k8s       client.Client
		tasks     *store.MemoryStore
		clk       *testingclock.FakeClock
		tracker   *MemoryCrashLoopTracker
		pool      *WorkerPool
		jobs      *JobClient
		processor *TaskProcessor
	)

	newProcessor := func(cfg config.KubernetesConfig) {
		jobs = NewJobClient(k8s, kubefake.NewSimpleClientset(), cfg)
		creator := NewJobCreator(jobs, pool, NewDownloadAgentCommands(cfg), cfg)
		processor = NewTaskProcessor(tasks, creator, jobs, tracker, clk, ProcessorOptions{
			DefaultImage:     cfg.DefaultImage,
			DefaultNamespace: cfg.DefaultNamespace,
			CrashLoopTimeout: 5 * time.Minute,
		})
	}

	saveTask := func(t *model.Task) *model.Task {
		saved, err := tasks.Save(ctx, t)
		Expect(err).NotTo(HaveOccurred())
		return saved
	}

	getTask := func(id string) *model.Task {
		t, err := tasks.FindByID(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	getJob := func(name string) *batchv1.Job {
		job := &batchv1.Job{}
		Expect(k8s.Get(ctx, types.NamespacedName{Namespace: "ns", Name: name}, job)).To(Succeed())
		return job
	}

	setJobStatus := func(name string, status batchv1.JobStatus) {
		job := getJob(name)
		job.Status = status
		Expect(k8s.Status().Update(ctx, job)).To(Succeed())
	}

	dispatch := func() {
		processor.ProcessNextTask(ctx)
		processor.WaitForCreations()
	}

	BeforeEach(func() {
		ctx = context.Background()
		k8s = fake.NewClientBuilder().Build()
		tasks = store.NewMemoryStore()
		clk = testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
		tracker = NewMemoryCrashLoopTracker()
		pool = NewWorkerPool(ctx, 2, 8)
		DeferCleanup(pool.Stop)
		newProcessor(config.Default().Kubernetes)
	})

	Context("dispatching and completing a task", func() {
		It("creates the Job and completes the task once it succeeds", func() {
			t := saveTask(&model.Task{Title: "build", Image: "img:1", Namespace: "ns", MaxRetries: 3})
			jobName := "job-" + t.ID

			By("running a dispatch cycle")
			dispatch()
			got := getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusInProgress))
			Expect(got.JobName).To(Equal(jobName))
			Expect(got.StartedAt).NotTo(BeNil())
			Expect(got.Logs).To(ContainSubstring("Job " + jobName + " created in namespace ns"))

			job := getJob(jobName)
			Expect(job.Spec.Template.Spec.Containers[0].Image).To(Equal("img:1"))
			Expect(job.Labels).To(HaveKeyWithValue(LabelTask, t.ID))

			By("observing a running Job")
			setJobStatus(jobName, batchv1.JobStatus{Active: 1})
			processor.MonitorJobStatus(ctx)
			Expect(getTask(t.ID).Status).To(Equal(model.TaskStatusInProgress))

			By("observing the Job succeed")
			setJobStatus(jobName, batchv1.JobStatus{Succeeded: 1})
			processor.MonitorJobStatus(ctx)
			got = getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusCompleted))
			Expect(got.CompletedAt).NotTo(BeNil())
			Expect(got.Logs).To(ContainSubstring("Job " + jobName + " completed with status SUCCEEDED"))
		})

		It("fails the task when the Job fails", func() {
			t := saveTask(&model.Task{Title: "build", Namespace: "ns"})
			dispatch()

			setJobStatus("job-"+t.ID, batchv1.JobStatus{
				Conditions: []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: corev1.ConditionTrue}},
			})
			processor.MonitorJobStatus(ctx)

			got := getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusFailed))
			Expect(got.ErrorCode).To(Equal(model.ErrorCodeJobFailed))
			Expect(got.Logs).To(ContainSubstring("completed with status FAILED"))
		})

		It("uses the default image and namespace", func() {
			cfg := config.Default().Kubernetes
			cfg.DefaultNamespace = "ns"
			newProcessor(cfg)
			t := saveTask(&model.Task{Title: "defaults"})

			dispatch()

			Expect(getTask(t.ID).Namespace).To(Equal("ns"))
			Expect(getJob("job-" + t.ID).Spec.Template.Spec.Containers[0].Image).To(Equal(cfg.DefaultImage))
		})

		It("mounts a session PVC for tasks bound to a session", func() {
			t := saveTask(&model.Task{Title: "session", Namespace: "ns", SessionID: "S1"})
			dispatch()

			pvc := &corev1.PersistentVolumeClaim{}
			Expect(k8s.Get(ctx, types.NamespacedName{Namespace: "ns", Name: "session-s1"}, pvc)).To(Succeed())
			volumes := getJob("job-" + t.ID).Spec.Template.Spec.Volumes
			Expect(volumes).To(ContainElement(HaveField("Name", dataVolumeName)))
		})
	})

	Context("single dispatch", func() {
		It("does nothing while a task is in progress", func() {
			first := saveTask(&model.Task{Title: "first", Namespace: "ns", CreatedAt: clk.Now().Add(-time.Minute)})
			second := saveTask(&model.Task{Title: "second", Namespace: "ns", CreatedAt: clk.Now()})

			dispatch()
			dispatch()

			Expect(getTask(first.ID).Status).To(Equal(model.TaskStatusInProgress))
			Expect(getTask(second.ID).Status).To(Equal(model.TaskStatusPending))

			running, err := tasks.FindByStatus(ctx, model.TaskStatusInProgress)
			Expect(err).NotTo(HaveOccurred())
			Expect(running).To(HaveLen(1))
		})

		It("leaves tasks queued when the integration is disabled", func() {
			cfg := config.Default().Kubernetes
			cfg.Enabled = ptr.To(false)
			newProcessor(cfg)
			t := saveTask(&model.Task{Title: "queued"})

			dispatch()

			Expect(getTask(t.ID).Status).To(Equal(model.TaskStatusPending))
		})
	})

	Context("Job creation failure", func() {
		It("fails the task with a dispatch error", func() {
			t := saveTask(&model.Task{Title: "clash", Namespace: "ns"})
			Expect(k8s.Create(ctx, &batchv1.Job{
				ObjectMeta: metav1.ObjectMeta{Name: "job-" + t.ID, Namespace: "ns"},
			})).To(Succeed())

			dispatch()

			got := getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusFailed))
			Expect(got.ErrorCode).To(Equal(model.ErrorCodeDispatch))
		})

		It("fails the task when its manifest is invalid", func() {
			t := saveTask(&model.Task{Title: "manifest", Namespace: "ns", KubernetesManifest: "kind: Deployment\n"})

			dispatch()

			got := getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusFailed))
			Expect(got.ErrorMessage).To(ContainSubstring("not a Job"))
		})
	})

	Context("retried tasks", func() {
		It("dispatches the retry under its own Job name while the failed Job lingers", func() {
			t := saveTask(&model.Task{Title: "flaky", Namespace: "ns", MaxRetries: 2})
			dispatch()
			setJobStatus("job-"+t.ID, batchv1.JobStatus{
				Conditions: []batchv1.JobCondition{condition(batchv1.JobFailed)},
			})
			processor.MonitorJobStatus(ctx)
			Expect(getTask(t.ID).Status).To(Equal(model.TaskStatusFailed))

			By("requeueing the task with one retry charged")
			failed := getTask(t.ID)
			failed.Status = model.TaskStatusPending
			failed.RetryCount = 1
			failed.JobName = ""
			saveTask(failed)

			dispatch()
			got := getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusInProgress))
			Expect(got.JobName).To(Equal("job-" + t.ID + "-r1"))
			Expect(getJob(got.JobName).Labels).To(HaveKeyWithValue(LabelTask, t.ID))

			By("monitoring the new Job, not the failed one")
			setJobStatus(got.JobName, batchv1.JobStatus{Active: 1})
			processor.MonitorJobStatus(ctx)
			Expect(getTask(t.ID).Status).To(Equal(model.TaskStatusInProgress))
		})
	})

	Context("crash-loop timeout", func() {
		var t *model.Task

		BeforeEach(func() {
			t = saveTask(&model.Task{Title: "crashy", Namespace: "ns"})
			dispatch()
			setJobStatus("job-"+t.ID, batchv1.JobStatus{Active: 1})
			pod := testPod("job-"+t.ID+"-abc", "job-"+t.ID, "CrashLoopBackOff")
			status := pod.Status
			Expect(k8s.Create(ctx, pod)).To(Succeed())
			pod.Status = status
			Expect(k8s.Status().Update(ctx, pod)).To(Succeed())
		})

		It("fails the task exactly once after the timeout", func() {
			processor.MonitorJobStatus(ctx)
			Expect(tracker.Len()).To(Equal(1))

			clk.Step(4 * time.Minute)
			processor.MonitorJobStatus(ctx)
			Expect(getTask(t.ID).Status).To(Equal(model.TaskStatusInProgress))

			clk.Step(time.Minute)
			processor.MonitorJobStatus(ctx)
			got := getTask(t.ID)
			Expect(got.Status).To(Equal(model.TaskStatusFailed))
			Expect(got.ErrorCode).To(Equal(model.ErrorCodeCrashLoopTimeout))
			Expect(tracker.Len()).To(Equal(0))

			err := k8s.Get(ctx, types.NamespacedName{Namespace: "ns", Name: "job-" + t.ID}, &batchv1.Job{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())

			logs := got.Logs
			clk.Step(time.Hour)
			processor.MonitorJobStatus(ctx)
			Expect(getTask(t.ID).Logs).To(Equal(logs))
		})

		It("stops tracking a Job that recovers", func() {
			processor.MonitorJobStatus(ctx)
			Expect(tracker.Len()).To(Equal(1))

			pod := &corev1.Pod{}
			Expect(k8s.Get(ctx, types.NamespacedName{Namespace: "ns", Name: "job-" + t.ID + "-abc"}, pod)).To(Succeed())
			pod.Status.ContainerStatuses = nil
			Expect(k8s.Status().Update(ctx, pod)).To(Succeed())

			processor.MonitorJobStatus(ctx)
			Expect(tracker.Len()).To(Equal(0))
			Expect(getTask(t.ID).PodName).To(Equal("job-" + t.ID + "-abc"))
		})

		It("drops entries for tasks no longer in progress", func() {
			processor.MonitorJobStatus(ctx)
			Expect(tracker.Len()).To(Equal(1))

			_, err := tasks.UpdateStatus(ctx, t.ID, model.TaskStatusCancelled)
			Expect(err).NotTo(HaveOccurred())
			processor.MonitorJobStatus(ctx)
			Expect(tracker.Len()).To(Equal(0))
		})
	})

	Context("cancellation", func() {
		It("cancels a running task and deletes its Job", func() {
			t := saveTask(&model.Task{Title: "cancel me", Namespace: "ns"})
			dispatch()

			cancelled, err := processor.CancelTask(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled.Status).To(Equal(model.TaskStatusCancelled))
			Expect(cancelled.Logs).To(ContainSubstring("Task cancelled"))

			err = k8s.Get(ctx, types.NamespacedName{Namespace: "ns", Name: "job-" + t.ID}, &batchv1.Job{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("refuses to cancel a finished task", func() {
			t := saveTask(&model.Task{Title: "done", Status: model.TaskStatusCompleted})
			_, err := processor.CancelTask(ctx, t.ID)
			Expect(err).To(MatchError(ErrTaskNotCancellable))
		})

		It("reports missing tasks", func() {
			_, err := processor.CancelTask(ctx, "missing")
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})
})
