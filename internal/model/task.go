// Copyright Contributors to the KubeTask project

// Package model defines the records the orchestrator schedules: Tasks, Workspaces and the
// normalized status of the Kubernetes Jobs backing them.
package model

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current lifecycle status of a Task
type TaskStatus string

const (
	// TaskStatusPending means the Task is queued and waiting for dispatch
	TaskStatusPending TaskStatus = "PENDING"
	// TaskStatusInProgress means the Task is executing
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	// TaskStatusWaitingForInput means the agent paused for interactive input
	TaskStatusWaitingForInput TaskStatus = "WAITING_FOR_INPUT"
	// TaskStatusCompleted means the Task finished successfully
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// TaskStatusFailed means the Task failed
	TaskStatusFailed TaskStatus = "FAILED"
	// TaskStatusCancelled means the Task was cancelled
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further automatic transition leaves this status.
// FAILED is terminal for scheduling purposes; it is only left through an explicit retry.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// taskTransitions lists the allowed status changes.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:         {TaskStatusInProgress, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusInProgress:      {TaskStatusWaitingForInput, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusWaitingForInput: {TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusFailed:          {TaskStatusPending},
}

// CanTransition reports whether a Task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorCode is a stable failure classification stored on a Task
type ErrorCode string

const (
	ErrorCodeWorkspaceNotReady ErrorCode = "WORKSPACE_NOT_READY"
	ErrorCodeExecution         ErrorCode = "EXECUTION_ERROR"
	ErrorCodeScript            ErrorCode = "SCRIPT_ERROR"
	ErrorCodeTimeout           ErrorCode = "TIMEOUT"
	ErrorCodeSimulated         ErrorCode = "SIMULATED_ERROR"
	ErrorCodeCrashLoopTimeout  ErrorCode = "CRASH_LOOP_TIMEOUT"
	ErrorCodeDispatch          ErrorCode = "DISPATCH_ERROR"
	ErrorCodeJobFailed         ErrorCode = "JOB_FAILED"
	ErrorCodeNoWorkspace       ErrorCode = "NO_WORKSPACE"
)

// ResourceRequirements holds optional container resource limits for a Task
type ResourceRequirements struct {
	CPURequest    string `json:"cpuRequest,omitempty" yaml:"cpuRequest,omitempty"`
	CPULimit      string `json:"cpuLimit,omitempty" yaml:"cpuLimit,omitempty"`
	MemoryRequest string `json:"memoryRequest,omitempty" yaml:"memoryRequest,omitempty"`
	MemoryLimit   string `json:"memoryLimit,omitempty" yaml:"memoryLimit,omitempty"`
}

// IsEmpty reports whether no resource values are set
func (r *ResourceRequirements) IsEmpty() bool {
	return r == nil || (r.CPURequest == "" && r.CPULimit == "" && r.MemoryRequest == "" && r.MemoryLimit == "")
}

// Repository references a Git repository to check out before the task runs
type Repository struct {
	URL        string `json:"url"`
	Ref        string `json:"ref,omitempty"`
	SecretName string `json:"secretName,omitempty"`
}

// Task is a unit of executable work
type Task struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`

	// Image and Namespace override the configured defaults when set
	Image     string `json:"image,omitempty"`
	Namespace string `json:"namespace,omitempty"`

	JobName string `json:"jobName,omitempty"`
	PodName string `json:"podName,omitempty"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	SessionID   string  `json:"sessionId,omitempty"`
	WorkspaceID *string `json:"workspaceId,omitempty"`
	ParentID    *string `json:"parentId,omitempty"`

	AdditionalEnv map[string]string     `json:"additionalEnv,omitempty"`
	Resources     *ResourceRequirements `json:"resources,omitempty"`
	Repository    *Repository           `json:"repository,omitempty"`

	// KubernetesManifest optionally carries a batch/v1 Job (YAML) used as the base Job
	KubernetesManifest string `json:"kubernetesManifest,omitempty"`

	// Logs is append-only; use AppendLog
	Logs string `json:"logs,omitempty"`

	ErrorCode    ErrorCode `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy, used for read-modify-write updates
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.WorkspaceID != nil {
		v := *t.WorkspaceID
		c.WorkspaceID = &v
	}
	if t.ParentID != nil {
		v := *t.ParentID
		c.ParentID = &v
	}
	if t.AdditionalEnv != nil {
		c.AdditionalEnv = make(map[string]string, len(t.AdditionalEnv))
		for k, v := range t.AdditionalEnv {
			c.AdditionalEnv[k] = v
		}
	}
	if t.Resources != nil {
		r := *t.Resources
		c.Resources = &r
	}
	if t.Repository != nil {
		r := *t.Repository
		c.Repository = &r
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// AppendLog appends one timestamped line to the task log
func (t *Task) AppendLog(now time.Time, format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	if t.Logs != "" && !strings.HasSuffix(t.Logs, "\n") {
		t.Logs += "\n"
	}
	t.Logs += line + "\n"
}

// Fail moves the task to FAILED with an error code and a log line
func (t *Task) Fail(now time.Time, code ErrorCode, message string) {
	t.Status = TaskStatusFailed
	t.ErrorCode = code
	t.ErrorMessage = message
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.AppendLog(now, "Task failed [%s]: %s", code, message)
}

// HasRetryBudget reports whether another retry is allowed
func (t *Task) HasRetryBudget() bool {
	return t.RetryCount < t.MaxRetries
}

// DefaultJobName returns the deterministic Job name for a Task ID
func DefaultJobName(taskID string) string {
	return "job-" + taskID
}

// JobNameFor returns the Job name for the current attempt of t. Retries get their
// own name because the Job of a finished attempt lingers until its TTL expires.
func JobNameFor(t *Task) string {
	if t.RetryCount == 0 {
		return DefaultJobName(t.ID)
	}
	return fmt.Sprintf("%s-r%d", DefaultJobName(t.ID), t.RetryCount)
}
