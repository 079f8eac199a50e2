// Copyright Contributors to the KubeTask project

package controller

import (
	"context"
	"errors"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kubetask/kubetask-orchestrator/internal/config"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

// DisabledJobName is returned by JobCreator when the integration is turned off
const DisabledJobName = "kubernetes-integration-disabled"

// ErrIntegrationDisabled resolves the future of a creation request made while the integration is off
var ErrIntegrationDisabled = errors.New(MsgIntegrationDisabled)

// JobRequest describes the Job to create for a task. Empty fields fall back to the
// configured defaults.
type JobRequest struct {
	Task       *model.Task
	Image      string
	Namespace  string
	JobName    string
	Repository *model.Repository
	PVCName    string
	Resources  *model.ResourceRequirements
}

// JobStarter starts Jobs for tasks without blocking the caller
type JobStarter interface {
	CreateJob(ctx context.Context, req JobRequest) (string, *Future)
}

// JobCreator builds and submits Jobs on a worker pool. The Job name is known up
// front so callers can record it before the Job exists.
type JobCreator struct {
	jobs     JobLifecycle
	pool     *WorkerPool
	commands AgentCommandGenerator
	cfg      config.KubernetesConfig
}

var _ JobStarter = &JobCreator{}

// NewJobCreator creates a JobCreator
func NewJobCreator(jobs JobLifecycle, pool *WorkerPool, commands AgentCommandGenerator, cfg config.KubernetesConfig) *JobCreator {
	return &JobCreator{jobs: jobs, pool: pool, commands: commands, cfg: cfg}
}

// CreateJob returns the Job name immediately and assembles and submits the Job in
// the background. The returned Future resolves once the Job was accepted or failed.
func (c *JobCreator) CreateJob(ctx context.Context, req JobRequest) (string, *Future) {
	if !c.jobs.Enabled() {
		return DisabledJobName, completedFuture(ErrIntegrationDisabled)
	}

	jobName := req.JobName
	if jobName == "" {
		jobName = model.JobNameFor(req.Task)
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = c.cfg.DefaultNamespace
	}

	// The pool owns the task from here on
	task := req.Task.Clone()
	logger := log.FromContext(ctx).WithValues("task", task.ID, "job", jobName, "namespace", namespace)

	future := c.pool.Submit(func(poolCtx context.Context) error {
		ctx := log.IntoContext(poolCtx, logger)
		err := c.submit(ctx, task, jobName, namespace, req)
		if err != nil {
			logger.Error(err, "unable to create Job")
		}
		return err
	})
	return jobName, future
}

func (c *JobCreator) submit(ctx context.Context, task *model.Task, jobName, namespace string, req JobRequest) error {
	base, err := decodeJobManifest(task.KubernetesManifest)
	if err != nil {
		return err
	}

	image := req.Image
	if image == "" {
		image = task.Image
	}
	if image == "" {
		image = c.cfg.DefaultImage
	}
	resources := req.Resources
	if resources == nil {
		resources = task.Resources
	}
	repository := req.Repository
	if repository == nil {
		repository = task.Repository
	}

	var backoffLimit int32
	if c.cfg.BackoffLimit != nil {
		backoffLimit = *c.cfg.BackoffLimit
	}
	var ttl *int32
	if c.cfg.JobTTL.Duration > 0 {
		seconds := int32(c.cfg.JobTTL.Seconds())
		ttl = &seconds
	}

	job, err := buildJob(jobSpecInput{
		task:               task,
		jobName:            jobName,
		namespace:          namespace,
		image:              image,
		toolsImage:         c.cfg.ToolsImage,
		pvcName:            req.PVCName,
		resources:          resources,
		repository:         repository,
		bootstrap:          c.commands.Generate(task),
		serviceAccountName: c.cfg.ServiceAccount,
		backoffLimit:       backoffLimit,
		ttlSeconds:         ttl,
		base:               base,
	})
	if err != nil {
		return fmt.Errorf("build job: %w", err)
	}

	if req.PVCName != "" {
		if !c.jobs.CreatePVC(ctx, namespace, req.PVCName, PVCOptions{TaskID: task.ID}) {
			return fmt.Errorf("unable to ensure PVC %s/%s", namespace, req.PVCName)
		}
	}
	return c.jobs.CreateJob(ctx, job)
}
