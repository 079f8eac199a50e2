// Copyright Contributors to the KubeTask project

//go:build !integration

package workspace

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	kubefake "k8s.io/client-go/kubernetes/fake"
	testingclock "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/kubetask/kubetask-orchestrator/internal/config"
	"github.com/kubetask/kubetask-orchestrator/internal/controller"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
	"github.com/kubetask/kubetask-orchestrator/internal/store"
)

var _ = Describe("Job-backed tasks", func() {
	var (
		ctx       context.Context
		k8s       client.Client
		mem       *store.MemoryStore
		clk       *testingclock.FakeClock
		processor *controller.TaskProcessor
		svc       *ExecutionService
	)

	dispatch := func() {
		processor.ProcessNextTask(ctx)
		processor.WaitForCreations()
	}

	getTask := func(id string) *model.Task {
		t, err := mem.FindByID(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	jobExists := func(name string) bool {
		err := k8s.Get(ctx, types.NamespacedName{Namespace: "ns", Name: name}, &batchv1.Job{})
		if apierrors.IsNotFound(err) {
			return false
		}
		Expect(err).NotTo(HaveOccurred())
		return true
	}

	failJob := func(name string) {
		job := &batchv1.Job{}
		Expect(k8s.Get(ctx, types.NamespacedName{Namespace: "ns", Name: name}, job)).To(Succeed())
		job.Status = batchv1.JobStatus{
			Conditions: []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: corev1.ConditionTrue}},
		}
		Expect(k8s.Status().Update(ctx, job)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		k8s = fake.NewClientBuilder().Build()
		mem = store.NewMemoryStore()
		clk = testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

		cfg := config.Default().Kubernetes
		jobs := controller.NewJobClient(k8s, kubefake.NewSimpleClientset(), cfg)
		pool := controller.NewWorkerPool(ctx, 2, 8)
		DeferCleanup(pool.Stop)
		creator := controller.NewJobCreator(jobs, pool, controller.NewDownloadAgentCommands(cfg), cfg)
		processor = controller.NewTaskProcessor(mem, creator, jobs, controller.NewMemoryCrashLoopTracker(), clk, controller.ProcessorOptions{
			DefaultImage:     cfg.DefaultImage,
			DefaultNamespace: cfg.DefaultNamespace,
			CrashLoopTimeout: 5 * time.Minute,
		})
		svc = NewExecutionService(mem, mem.Workspaces(), nil, &recordingExecutor{}, jobs, clk, ExecutionOptions{
			WaitMaxAttempts:  30,
			WaitInterval:     10 * time.Second,
			TaskTimeout:      30 * time.Minute,
			DefaultNamespace: cfg.DefaultNamespace,
		})
	})

	It("runs a retried task under a live Job", func() {
		saved, err := mem.Save(ctx, &model.Task{Title: "flaky", Namespace: "ns", MaxRetries: 2})
		Expect(err).NotTo(HaveOccurred())
		first := "job-" + saved.ID

		By("failing the first attempt")
		dispatch()
		failJob(first)
		processor.MonitorJobStatus(ctx)
		Expect(getTask(saved.ID).ErrorCode).To(Equal(model.ErrorCodeJobFailed))

		By("retrying it from the sweep")
		svc.RetryFailedTasks(ctx)
		got := getTask(saved.ID)
		Expect(got.Status).To(Equal(model.TaskStatusPending))
		Expect(got.RetryCount).To(Equal(1))
		Expect(jobExists(first)).To(BeFalse())

		By("dispatching the retry")
		dispatch()
		got = getTask(saved.ID)
		Expect(got.Status).To(Equal(model.TaskStatusInProgress))
		Expect(got.ErrorCode).To(BeEmpty())
		Expect(got.JobName).To(Equal(first + "-r1"))
		Expect(jobExists(got.JobName)).To(BeTrue())

		processor.MonitorJobStatus(ctx)
		Expect(getTask(saved.ID).Status).To(Equal(model.TaskStatusInProgress))
	})

	It("deletes the Job of a task that timed out", func() {
		saved, err := mem.Save(ctx, &model.Task{Title: "slow", Namespace: "ns"})
		Expect(err).NotTo(HaveOccurred())
		dispatch()
		jobName := getTask(saved.ID).JobName
		Expect(jobExists(jobName)).To(BeTrue())

		clk.Step(31 * time.Minute)
		svc.TimeoutRunningTasks(ctx)

		got := getTask(saved.ID)
		Expect(got.Status).To(Equal(model.TaskStatusFailed))
		Expect(got.ErrorCode).To(Equal(model.ErrorCodeTimeout))
		Expect(jobExists(jobName)).To(BeFalse())
	})
})
