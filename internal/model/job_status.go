// Copyright Contributors to the KubeTask project

package model

// JobStatus is the normalized status of a Kubernetes Job
type JobStatus string

const (
	JobStatusPending          JobStatus = "PENDING"
	JobStatusActive           JobStatus = "ACTIVE"
	JobStatusSucceeded        JobStatus = "SUCCEEDED"
	JobStatusCompleted        JobStatus = "COMPLETED"
	JobStatusFailed           JobStatus = "FAILED"
	JobStatusCrashLoopBackOff JobStatus = "CRASH_LOOP_BACKOFF"
	JobStatusNotFound         JobStatus = "NOT_FOUND"
	JobStatusError            JobStatus = "ERROR"
	JobStatusUnknown          JobStatus = "UNKNOWN"
)

// IsSuccess reports whether the job finished successfully
func (s JobStatus) IsSuccess() bool {
	return s == JobStatusSucceeded || s == JobStatusCompleted
}
