// Copyright Contributors to the KubeTask project

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

// MemoryStore keeps tasks, workspaces and sessions in process memory.
// All returned records are copies.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*model.Task
	workspaces map[string]*model.Workspace
	sessions   map[string]*model.Session
	now        func() time.Time
}

var (
	_ TaskStore      = &MemoryStore{}
	_ WorkspaceStore = &MemoryWorkspaces{}
	_ SessionStore   = &MemoryStore{}
)

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*model.Task),
		workspaces: make(map[string]*model.Workspace),
		sessions:   make(map[string]*model.Session),
		now:        time.Now,
	}
}

// Workspaces returns the WorkspaceStore view of this store
func (s *MemoryStore) Workspaces() *MemoryWorkspaces {
	return &MemoryWorkspaces{s: s}
}

// FindByID implements TaskStore
func (s *MemoryStore) FindByID(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// FindByStatus implements TaskStore
func (s *MemoryStore) FindByStatus(_ context.Context, status model.TaskStatus) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Save implements TaskStore
func (s *MemoryStore) Save(_ context.Context, task *model.Task) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := task.Clone()
	now := s.now()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.Status == "" {
		t.Status = model.TaskStatusPending
	}
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	return t.Clone(), nil
}

// UpdateStatus implements TaskStore
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status model.TaskStatus) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	t.Status = status
	t.UpdatedAt = s.now()
	return t.Clone(), nil
}

// IncrementRetryCount implements TaskStore
func (s *MemoryStore) IncrementRetryCount(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	t.RetryCount++
	t.UpdatedAt = s.now()
	return t.Clone(), nil
}

// PutSession registers a session
func (s *MemoryStore) PutSession(session *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *session
	s.sessions[session.ID] = &c
}

// DeleteSession removes a session
func (s *MemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// FindSessionByID implements SessionStore
func (s *MemoryStore) FindSessionByID(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	c := *session
	return &c, nil
}

// MemoryWorkspaces is the WorkspaceStore view of a MemoryStore
type MemoryWorkspaces struct {
	s *MemoryStore
}

// FindByID implements WorkspaceStore
func (w *MemoryWorkspaces) FindByID(_ context.Context, id string) (*model.Workspace, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()
	ws, ok := w.s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %q: %w", id, ErrNotFound)
	}
	return ws.Clone(), nil
}

// FindBySessionID implements WorkspaceStore
func (w *MemoryWorkspaces) FindBySessionID(_ context.Context, sessionID string) ([]*model.Workspace, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()
	var out []*model.Workspace
	for _, ws := range w.s.workspaces {
		if ws.SessionID == sessionID {
			out = append(out, ws.Clone())
		}
	}
	sortWorkspaces(out)
	return out, nil
}

// FindByStatusAndUpdatedAtBefore implements WorkspaceStore
func (w *MemoryWorkspaces) FindByStatusAndUpdatedAtBefore(_ context.Context, status model.WorkspaceStatus, cutoff time.Time) ([]*model.Workspace, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()
	var out []*model.Workspace
	for _, ws := range w.s.workspaces {
		if ws.Status == status && ws.UpdatedAt.Before(cutoff) {
			out = append(out, ws.Clone())
		}
	}
	sortWorkspaces(out)
	return out, nil
}

// Save implements WorkspaceStore. UpdatedAt is kept when already set so callers
// and tests can control record age.
func (w *MemoryWorkspaces) Save(_ context.Context, ws *model.Workspace) (*model.Workspace, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	c := ws.Clone()
	now := w.s.now()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	w.s.workspaces[c.ID] = c
	return c.Clone(), nil
}

// Delete implements WorkspaceStore
func (w *MemoryWorkspaces) Delete(_ context.Context, id string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if _, ok := w.s.workspaces[id]; !ok {
		return fmt.Errorf("workspace %q: %w", id, ErrNotFound)
	}
	delete(w.s.workspaces, id)
	return nil
}

func sortWorkspaces(out []*model.Workspace) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}
