// Copyright Contributors to the KubeTask project

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

// SQLiteStore persists records in a SQLite database. Each record is stored as a JSON
// document next to the columns the orchestrator queries by.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ TaskStore      = &SQLiteStore{}
	_ WorkspaceStore = &SQLiteWorkspaces{}
	_ SessionStore   = &SQLiteStore{}
)

// NewSQLiteStore opens (or creates) the database at dbPath and runs migrations
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Workspaces returns the WorkspaceStore view of this store
func (s *SQLiteStore) Workspaces() *SQLiteWorkspaces {
	return &SQLiteWorkspaces{s: s}
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_session ON workspaces(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_status ON workspaces(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// FindByID implements TaskStore
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*model.Task, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return decodeTask(data)
}

// FindByStatus implements TaskStore
func (s *SQLiteStore) FindByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM tasks WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Save implements TaskStore
func (s *SQLiteStore) Save(ctx context.Context, task *model.Task) (*model.Task, error) {
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
	if err := s.writeTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateStatus implements TaskStore
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error) {
	t, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Status = status
	t.UpdatedAt = s.now()
	if err := s.writeTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// IncrementRetryCount implements TaskStore
func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, id string) (*model.Task, error) {
	t, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	t.RetryCount++
	t.UpdatedAt = s.now()
	if err := s.writeTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) writeTask(ctx context.Context, t *model.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, created_at, updated_at, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at, data = excluded.data`,
		t.ID, string(t.Status), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("write task: %w", err)
	}
	return nil
}

// PutSession registers a session
func (s *SQLiteStore) PutSession(ctx context.Context, session *model.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		session.ID, string(data))
	return err
}

// FindSessionByID implements SessionStore
func (s *SQLiteStore) FindSessionByID(ctx context.Context, id string) (*model.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	var session model.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

// SQLiteWorkspaces is the WorkspaceStore view of a SQLiteStore
type SQLiteWorkspaces struct {
	s *SQLiteStore
}

// FindByID implements WorkspaceStore
func (w *SQLiteWorkspaces) FindByID(ctx context.Context, id string) (*model.Workspace, error) {
	var data string
	err := w.s.db.QueryRowContext(ctx, `SELECT data FROM workspaces WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query workspace: %w", err)
	}
	return decodeWorkspace(data)
}

// FindBySessionID implements WorkspaceStore
func (w *SQLiteWorkspaces) FindBySessionID(ctx context.Context, sessionID string) ([]*model.Workspace, error) {
	return w.query(ctx, `SELECT data FROM workspaces WHERE session_id = ? ORDER BY created_at, id`, sessionID)
}

// FindByStatusAndUpdatedAtBefore implements WorkspaceStore
func (w *SQLiteWorkspaces) FindByStatusAndUpdatedAtBefore(ctx context.Context, status model.WorkspaceStatus, cutoff time.Time) ([]*model.Workspace, error) {
	return w.query(ctx,
		`SELECT data FROM workspaces WHERE status = ? AND updated_at < ? ORDER BY created_at, id`,
		string(status), cutoff.UnixNano())
}

// Save implements WorkspaceStore
func (w *SQLiteWorkspaces) Save(ctx context.Context, ws *model.Workspace) (*model.Workspace, error) {
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
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal workspace: %w", err)
	}
	_, err = w.s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, session_id, status, created_at, updated_at, data) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET session_id = excluded.session_id, status = excluded.status,
		 updated_at = excluded.updated_at, data = excluded.data`,
		c.ID, c.SessionID, string(c.Status), c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), string(data))
	if err != nil {
		return nil, fmt.Errorf("write workspace: %w", err)
	}
	return c, nil
}

// Delete implements WorkspaceStore
func (w *SQLiteWorkspaces) Delete(ctx context.Context, id string) error {
	res, err := w.s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %q: %w", id, ErrNotFound)
	}
	return nil
}

func (w *SQLiteWorkspaces) query(ctx context.Context, q string, args ...interface{}) ([]*model.Workspace, error) {
	rows, err := w.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var out []*model.Workspace
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		ws, err := decodeWorkspace(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func decodeTask(data string) (*model.Task, error) {
	var t model.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

func decodeWorkspace(data string) (*model.Workspace, error) {
	var ws model.Workspace
	if err := json.Unmarshal([]byte(data), &ws); err != nil {
		return nil, fmt.Errorf("decode workspace: %w", err)
	}
	return &ws, nil
}
