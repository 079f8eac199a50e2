// Copyright Contributors to the KubeTask project

// Package store defines the persistence interfaces consumed by the orchestrator
// and provides in-memory and SQLite implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// TaskStore persists Tasks. Records are mutated read-modify-write without versioning.
type TaskStore interface {
	// FindByID returns ErrNotFound when the task does not exist
	FindByID(ctx context.Context, id string) (*model.Task, error)
	// FindByStatus returns tasks in creation order (oldest first)
	FindByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error)
	// Save inserts or replaces the task and returns the stored copy
	Save(ctx context.Context, task *model.Task) (*model.Task, error)
	// UpdateStatus returns ErrNotFound when the task does not exist
	UpdateStatus(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error)
	// IncrementRetryCount returns ErrNotFound when the task does not exist
	IncrementRetryCount(ctx context.Context, id string) (*model.Task, error)
}

// WorkspaceStore persists Workspaces
type WorkspaceStore interface {
	FindByID(ctx context.Context, id string) (*model.Workspace, error)
	// FindBySessionID returns the session's workspaces, oldest first
	FindBySessionID(ctx context.Context, sessionID string) ([]*model.Workspace, error)
	FindByStatusAndUpdatedAtBefore(ctx context.Context, status model.WorkspaceStatus, cutoff time.Time) ([]*model.Workspace, error)
	Save(ctx context.Context, ws *model.Workspace) (*model.Workspace, error)
	Delete(ctx context.Context, id string) error
}

// SessionStore resolves sessions; session management itself lives outside the orchestrator
type SessionStore interface {
	FindSessionByID(ctx context.Context, id string) (*model.Session, error)
}
