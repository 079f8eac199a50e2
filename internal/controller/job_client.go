// Copyright Contributors to the KubeTask project

package controller

import (
	"context"
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kubetask/kubetask-orchestrator/internal/config"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

const (
	// MsgIntegrationDisabled is returned instead of logs when the integration is off
	MsgIntegrationDisabled = "Kubernetes integration is disabled"

	// jobNameLabel is set by the Job controller on every pod it creates
	jobNameLabel = "job-name"
)

// JobLifecycle is the set of cluster operations the orchestrator performs on Jobs.
// Implementations never return errors for expected conditions; they report them
// through the returned status or sentinel values.
type JobLifecycle interface {
	Enabled() bool
	CreateJob(ctx context.Context, job *batchv1.Job) error
	CreatePVC(ctx context.Context, namespace, name string, opts PVCOptions) bool
	DeletePVC(ctx context.Context, namespace, name string) bool
	DeleteJob(ctx context.Context, namespace, name string) bool
	GetJobStatus(ctx context.Context, namespace, name string) model.JobStatus
	GetJobLogs(ctx context.Context, namespace, name string) string
	JobPodName(ctx context.Context, namespace, name string) string
}

// PVCOptions overrides the configured PVC defaults. Empty fields use the defaults.
type PVCOptions struct {
	Size         string
	AccessMode   string
	StorageClass string
	TaskID       string
}

// JobClient talks to the cluster through a controller-runtime client, and through a
// clientset for the log subresource which the generic client does not expose.
type JobClient struct {
	client    client.Client
	clientset kubernetes.Interface
	cfg       config.KubernetesConfig
}

var _ JobLifecycle = &JobClient{}

// NewJobClient creates a JobClient. Either client may be nil when the integration is disabled.
func NewJobClient(c client.Client, clientset kubernetes.Interface, cfg config.KubernetesConfig) *JobClient {
	return &JobClient{client: c, clientset: clientset, cfg: cfg}
}

// Enabled reports whether cluster operations are performed
func (c *JobClient) Enabled() bool {
	return c.cfg.IsEnabled() && c.client != nil
}

// CreateJob submits a Job
func (c *JobClient) CreateJob(ctx context.Context, job *batchv1.Job) error {
	if !c.Enabled() {
		return fmt.Errorf("create job %s: %s", job.Name, MsgIntegrationDisabled)
	}
	if err := c.client.Create(ctx, job); err != nil {
		return fmt.Errorf("create job %s/%s: %w", job.Namespace, job.Name, err)
	}
	log.FromContext(ctx).Info("created Job", "job", job.Name, "namespace", job.Namespace)
	return nil
}

// CreatePVC creates the claim unless it already exists. It returns true when the
// claim exists afterwards.
func (c *JobClient) CreatePVC(ctx context.Context, namespace, name string, opts PVCOptions) bool {
	log := log.FromContext(ctx).WithValues("pvc", name, "namespace", namespace)
	if !c.Enabled() {
		log.V(1).Info("skipping PVC creation", "reason", MsgIntegrationDisabled)
		return false
	}

	existing := &corev1.PersistentVolumeClaim{}
	err := c.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, existing)
	if err == nil {
		log.V(1).Info("PVC already exists")
		return true
	}
	if !errors.IsNotFound(err) {
		log.Error(err, "unable to get PVC")
		return false
	}

	pvc, err := c.buildPVC(namespace, name, opts)
	if err != nil {
		log.Error(err, "invalid PVC options")
		return false
	}
	if err := c.client.Create(ctx, pvc); err != nil {
		if errors.IsAlreadyExists(err) {
			return true
		}
		log.Error(err, "unable to create PVC")
		return false
	}
	log.Info("created PVC", "size", pvc.Spec.Resources.Requests.Storage().String())
	return true
}

func (c *JobClient) buildPVC(namespace, name string, opts PVCOptions) (*corev1.PersistentVolumeClaim, error) {
	size := opts.Size
	if size == "" {
		size = c.cfg.PVC.Size
	}
	quantity, err := resource.ParseQuantity(size)
	if err != nil {
		return nil, fmt.Errorf("invalid PVC size %q: %w", size, err)
	}
	accessMode := opts.AccessMode
	if accessMode == "" {
		accessMode = c.cfg.PVC.AccessMode
	}
	storageClass := opts.StorageClass
	if storageClass == "" {
		storageClass = c.cfg.PVC.StorageClass
	}

	labels := map[string]string{LabelApp: "kubetask"}
	if opts.TaskID != "" {
		labels[LabelTask] = opts.TaskID
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.PersistentVolumeAccessMode(accessMode)},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: quantity},
			},
		},
	}
	if storageClass != "" {
		pvc.Spec.StorageClassName = ptr.To(storageClass)
	}
	return pvc, nil
}

// DeletePVC deletes the claim. It returns false when the claim did not exist or
// could not be deleted.
func (c *JobClient) DeletePVC(ctx context.Context, namespace, name string) bool {
	if !c.Enabled() {
		return false
	}
	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}
	if err := c.client.Delete(ctx, pvc); err != nil {
		if !errors.IsNotFound(err) {
			log.FromContext(ctx).Error(err, "unable to delete PVC", "pvc", name, "namespace", namespace)
		}
		return false
	}
	return true
}

// DeleteJob deletes the Job and its pods in the foreground. It returns false when
// the Job did not exist or could not be deleted.
func (c *JobClient) DeleteJob(ctx context.Context, namespace, name string) bool {
	if !c.Enabled() {
		return false
	}
	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}
	if err := c.client.Delete(ctx, job, client.PropagationPolicy(metav1.DeletePropagationForeground)); err != nil {
		if !errors.IsNotFound(err) {
			log.FromContext(ctx).Error(err, "unable to delete Job", "job", name, "namespace", namespace)
		}
		return false
	}
	log.FromContext(ctx).Info("deleted Job", "job", name, "namespace", namespace)
	return true
}

// GetJobStatus normalizes the Job state. Conditions win over counters, terminal
// counters win over pod inspection, and a Job with nothing to report is PENDING.
func (c *JobClient) GetJobStatus(ctx context.Context, namespace, name string) model.JobStatus {
	if !c.Enabled() {
		return model.JobStatusUnknown
	}
	log := log.FromContext(ctx).WithValues("job", name, "namespace", namespace)

	job := &batchv1.Job{}
	if err := c.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, job); err != nil {
		if errors.IsNotFound(err) {
			return model.JobStatusNotFound
		}
		log.Error(err, "unable to get Job")
		return model.JobStatusError
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobFailed:
			return model.JobStatusFailed
		case batchv1.JobComplete:
			return model.JobStatusCompleted
		}
	}

	if job.Status.Succeeded > 0 {
		return model.JobStatusSucceeded
	}
	if job.Status.Failed > 0 && job.Status.Active == 0 {
		return model.JobStatusFailed
	}

	pods, err := c.listJobPods(ctx, namespace, name)
	if err != nil {
		log.Error(err, "unable to list pods for Job")
		return model.JobStatusError
	}
	for i := range pods {
		if isCrashLooping(&pods[i]) {
			return model.JobStatusCrashLoopBackOff
		}
	}

	if job.Status.Active > 0 {
		return model.JobStatusActive
	}
	return model.JobStatusPending
}

func isCrashLooping(pod *corev1.Pod) bool {
	statuses := append([]corev1.ContainerStatus{}, pod.Status.InitContainerStatuses...)
	statuses = append(statuses, pod.Status.ContainerStatuses...)
	for _, cs := range statuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason == "CrashLoopBackOff" {
			return true
		}
	}
	return false
}

func (c *JobClient) listJobPods(ctx context.Context, namespace, jobName string) ([]corev1.Pod, error) {
	var pods corev1.PodList
	if err := c.client.List(ctx, &pods,
		client.InNamespace(namespace),
		client.MatchingLabels{jobNameLabel: jobName},
	); err != nil {
		return nil, err
	}
	return pods.Items, nil
}

// GetJobLogs returns the agent container logs of the Job's first pod, or a
// human-readable sentinel when they cannot be retrieved.
func (c *JobClient) GetJobLogs(ctx context.Context, namespace, name string) string {
	if !c.Enabled() || c.clientset == nil {
		return MsgIntegrationDisabled
	}

	pods, err := c.listJobPods(ctx, namespace, name)
	if err != nil {
		return fmt.Sprintf("Failed to list pods for job %s: %v", name, err)
	}
	if len(pods) == 0 {
		job := &batchv1.Job{}
		if err := c.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, job); errors.IsNotFound(err) {
			return "Job not found: " + name
		}
		return "No pods found for job: " + name
	}

	pod := pods[0]
	opts := &corev1.PodLogOptions{}
	if containerIndex(pod.Spec.Containers, AgentContainerName) >= 0 {
		opts.Container = AgentContainerName
	}
	raw, err := c.clientset.CoreV1().Pods(namespace).GetLogs(pod.Name, opts).DoRaw(ctx)
	if err != nil {
		return fmt.Sprintf("Failed to retrieve logs for job %s: %v", name, err)
	}
	return string(raw)
}

// JobPodName returns the name of the Job's first pod, if any
func (c *JobClient) JobPodName(ctx context.Context, namespace, jobName string) string {
	if !c.Enabled() {
		return ""
	}
	pods, err := c.listJobPods(ctx, namespace, jobName)
	if err != nil || len(pods) == 0 {
		return ""
	}
	return pods[0].Name
}
