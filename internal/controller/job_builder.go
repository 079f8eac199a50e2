// Copyright Contributors to the KubeTask project

package controller

import (
	"fmt"
	"sort"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

const (
	// AgentContainerName is the name of the container that runs the task
	AgentContainerName = "agent"

	// LabelApp, LabelTask, LabelParentTask and LabelSession are applied to Jobs and their pods
	LabelApp        = "app"
	LabelTask       = "kubetask.io/task"
	LabelParentTask = "kubetask.io/parent-task"
	LabelSession    = "kubetask.io/session"

	// WorkspaceMountPath is where the task data volume is mounted in the agent container
	WorkspaceMountPath = "/workspace"

	repoVolumeName = "repo"
	dataVolumeName = "task-data"
	gitRoot        = "/git"
	gitLink        = "repo"
)

// AgentBootstrap describes how the agent container installs and starts the agent
type AgentBootstrap struct {
	InstallCommands []string
	ExecuteCommand  string
	Env             map[string]string
}

// Script renders the bootstrap as a single shell script
func (b AgentBootstrap) Script() string {
	steps := make([]string, 0, len(b.InstallCommands)+1)
	steps = append(steps, b.InstallCommands...)
	if b.ExecuteCommand != "" {
		steps = append(steps, b.ExecuteCommand)
	}
	return strings.Join(steps, " && ")
}

// jobSpecInput holds everything needed to build the Job for one task
type jobSpecInput struct {
	task       *model.Task
	jobName    string
	namespace  string
	image      string
	toolsImage string
	pvcName    string

	resources  *model.ResourceRequirements
	repository *model.Repository
	bootstrap  AgentBootstrap

	serviceAccountName string
	backoffLimit       int32
	ttlSeconds         *int32

	// base is an optional manifest the built spec is layered onto
	base *batchv1.Job
}

// buildGitInitContainer creates an init container that clones the task repository
// into the shared repo volume.
func buildGitInitContainer(repo *model.Repository, toolsImage string) corev1.Container {
	ref := repo.Ref
	if ref == "" {
		ref = "HEAD"
	}

	env := []corev1.EnvVar{
		{Name: "GIT_REPO", Value: repo.URL},
		{Name: "GIT_REF", Value: ref},
		{Name: "GIT_DEPTH", Value: "1"},
		{Name: "GIT_ROOT", Value: gitRoot},
		{Name: "GIT_LINK", Value: gitLink},
	}
	if repo.SecretName != "" {
		env = append(env,
			secretEnv("GIT_USERNAME", repo.SecretName, "username"),
			secretEnv("GIT_PASSWORD", repo.SecretName, "password"),
		)
	}

	return corev1.Container{
		Name:            "git-init",
		Image:           toolsImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         []string{"/kubetask-tools", "git-init"},
		Env:             env,
		VolumeMounts:    []corev1.VolumeMount{{Name: repoVolumeName, MountPath: gitRoot}},
	}
}

func secretEnv(name, secretName, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secretName},
				Key:                  key,
				Optional:             ptr.To(true),
			},
		},
	}
}

// buildResourceRequirements converts task resource strings to Kubernetes quantities.
// Unset values are left out.
func buildResourceRequirements(r *model.ResourceRequirements) (corev1.ResourceRequirements, error) {
	var out corev1.ResourceRequirements
	if r.IsEmpty() {
		return out, nil
	}

	set := func(list *corev1.ResourceList, name corev1.ResourceName, value string) error {
		if value == "" {
			return nil
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return fmt.Errorf("invalid %s quantity %q: %w", name, value, err)
		}
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = q
		return nil
	}

	if err := set(&out.Requests, corev1.ResourceCPU, r.CPURequest); err != nil {
		return out, err
	}
	if err := set(&out.Requests, corev1.ResourceMemory, r.MemoryRequest); err != nil {
		return out, err
	}
	if err := set(&out.Limits, corev1.ResourceCPU, r.CPULimit); err != nil {
		return out, err
	}
	if err := set(&out.Limits, corev1.ResourceMemory, r.MemoryLimit); err != nil {
		return out, err
	}
	return out, nil
}

// buildEnv renders an env map in key order so the output is deterministic
func buildEnv(vars map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: vars[k]})
	}
	return env
}

func jobLabels(task *model.Task) map[string]string {
	labels := map[string]string{
		LabelApp:  "kubetask",
		LabelTask: task.ID,
	}
	if task.ParentID != nil && *task.ParentID != "" {
		labels[LabelParentTask] = labelValue(*task.ParentID)
	}
	if task.SessionID != "" {
		labels[LabelSession] = labelValue(task.SessionID)
	}
	return labels
}

// buildJob assembles the Job for a task. It has no side effects and the same input
// always yields the same Job.
func buildJob(in jobSpecInput) (*batchv1.Job, error) {
	resources, err := buildResourceRequirements(in.resources)
	if err != nil {
		return nil, err
	}

	var (
		volumes        []corev1.Volume
		volumeMounts   []corev1.VolumeMount
		initContainers []corev1.Container
	)

	if in.pvcName != "" {
		volumes = append(volumes, corev1.Volume{
			Name: dataVolumeName,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: in.pvcName},
			},
		})
		volumeMounts = append(volumeMounts, corev1.VolumeMount{Name: dataVolumeName, MountPath: WorkspaceMountPath})
	}

	// The checkout step and its volume only exist when there is something to check out
	if in.repository != nil && in.repository.URL != "" {
		volumes = append(volumes, corev1.Volume{
			Name:         repoVolumeName,
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		})
		volumeMounts = append(volumeMounts, corev1.VolumeMount{
			Name:      repoVolumeName,
			MountPath: WorkspaceMountPath + "/repo",
			SubPath:   gitLink,
		})
		initContainers = append(initContainers, buildGitInitContainer(in.repository, in.toolsImage))
	}

	env := map[string]string{}
	for k, v := range in.bootstrap.Env {
		env[k] = v
	}
	for k, v := range in.task.AdditionalEnv {
		env[k] = v
	}

	agent := corev1.Container{
		Name:            AgentContainerName,
		Image:           in.image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         []string{"sh", "-c", in.bootstrap.Script()},
		WorkingDir:      WorkspaceMountPath,
		Env:             buildEnv(env),
		Resources:       resources,
		VolumeMounts:    volumeMounts,
	}

	labels := jobLabels(in.task)

	job := &batchv1.Job{}
	if in.base != nil {
		job = in.base.DeepCopy()
	}
	job.TypeMeta = metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"}
	job.Name = in.jobName
	job.Namespace = in.namespace
	job.Labels = mergeLabels(job.Labels, labels)

	if job.Spec.BackoffLimit == nil {
		job.Spec.BackoffLimit = ptr.To(in.backoffLimit)
	}
	if job.Spec.TTLSecondsAfterFinished == nil && in.ttlSeconds != nil {
		job.Spec.TTLSecondsAfterFinished = ptr.To(*in.ttlSeconds)
	}

	tmpl := &job.Spec.Template
	tmpl.Labels = mergeLabels(tmpl.Labels, labels)
	podSpec := &tmpl.Spec
	// Crash loops are surfaced through the pod, so the kubelet restarts in place
	if podSpec.RestartPolicy == "" {
		podSpec.RestartPolicy = corev1.RestartPolicyOnFailure
	}
	if podSpec.ServiceAccountName == "" {
		podSpec.ServiceAccountName = in.serviceAccountName
	}
	podSpec.InitContainers = append(podSpec.InitContainers, initContainers...)
	podSpec.Volumes = append(podSpec.Volumes, volumes...)

	if idx := containerIndex(podSpec.Containers, AgentContainerName); idx >= 0 {
		// A manifest-supplied agent container keeps its command and image
		c := &podSpec.Containers[idx]
		c.Env = append(c.Env, agent.Env...)
		c.VolumeMounts = append(c.VolumeMounts, agent.VolumeMounts...)
		if len(c.Resources.Limits) == 0 && len(c.Resources.Requests) == 0 {
			c.Resources = agent.Resources
		}
	} else {
		podSpec.Containers = append([]corev1.Container{agent}, podSpec.Containers...)
	}

	return job, nil
}

func containerIndex(containers []corev1.Container, name string) int {
	for i := range containers {
		if containers[i].Name == name {
			return i
		}
	}
	return -1
}

func mergeLabels(existing, labels map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(labels))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// decodeJobManifest parses a YAML or JSON Job manifest supplied on a task
func decodeJobManifest(manifest string) (*batchv1.Job, error) {
	if strings.TrimSpace(manifest) == "" {
		return nil, nil
	}
	var job batchv1.Job
	if err := yaml.UnmarshalStrict([]byte(manifest), &job); err != nil {
		return nil, fmt.Errorf("invalid kubernetes manifest: %w", err)
	}
	if job.Kind != "" && job.Kind != "Job" {
		return nil, fmt.Errorf("invalid kubernetes manifest: kind %q is not a Job", job.Kind)
	}
	return &job, nil
}
