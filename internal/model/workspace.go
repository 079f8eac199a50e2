// Copyright Contributors to the KubeTask project

package model

import "time"

// WorkspaceStatus represents the lifecycle status of a Workspace
type WorkspaceStatus string

const (
	WorkspaceStatusPending  WorkspaceStatus = "PENDING"
	WorkspaceStatusStarting WorkspaceStatus = "STARTING"
	WorkspaceStatusRunning  WorkspaceStatus = "RUNNING"
	WorkspaceStatusStopping WorkspaceStatus = "STOPPING"
	WorkspaceStatusStopped  WorkspaceStatus = "STOPPED"
	WorkspaceStatusFailed   WorkspaceStatus = "FAILED"
	WorkspaceStatusDeleting WorkspaceStatus = "DELETING"
	WorkspaceStatusDeleted  WorkspaceStatus = "DELETED"
)

// BuildInfo describes the most recent provisioner build of a Workspace
type BuildInfo struct {
	BuildID     string `json:"buildId,omitempty"`
	BuildNumber int    `json:"buildNumber,omitempty"`
	BuildStatus string `json:"buildStatus,omitempty"`
}

// ResourceInfo describes the cluster resources backing a Workspace
type ResourceInfo struct {
	Namespace   string `json:"namespace,omitempty"`
	PVCName     string `json:"pvcName,omitempty"`
	PodName     string `json:"podName,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	IngressURL  string `json:"ingressUrl,omitempty"`
}

// Workspace is a provisioned compute environment bound to a session
type Workspace struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	SessionID  string          `json:"sessionId"`
	TemplateID string          `json:"templateId,omitempty"`
	Status     WorkspaceStatus `json:"status"`

	// ProvisionerID is the identifier returned by the provisioning backend
	ProvisionerID string `json:"provisionerId,omitempty"`

	Build     BuildInfo    `json:"build"`
	Resources ResourceInfo `json:"resources"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// Clone returns a copy safe to modify
func (w *Workspace) Clone() *Workspace {
	if w == nil {
		return nil
	}
	c := *w
	for _, p := range []**time.Time{&c.StartedAt, &c.StoppedAt, &c.LastUsedAt, &c.DeletedAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &c
}

// Session is the minimal view of a session the core needs
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
}
