// Copyright Contributors to the KubeTask project

package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

// ErrProvisionerNotFound is returned when the provisioner does not know the workspace
var ErrProvisionerNotFound = errors.New("workspace not found in provisioner")

// Provisioner manages workspaces in the provisioning backend
type Provisioner interface {
	CreateWorkspace(ctx context.Context, req CreateRequest) (*ProvisionedWorkspace, error)
	StartWorkspace(ctx context.Context, id string) (*Build, error)
	StopWorkspace(ctx context.Context, id string) (*Build, error)
	DeleteWorkspace(ctx context.Context, id string) (*Build, error)
	GetWorkspace(ctx context.Context, id string) (*ProvisionedWorkspace, error)
	ListTemplates(ctx context.Context) ([]Template, error)
}

// CreateRequest asks the provisioner for a new workspace
type CreateRequest struct {
	Name       string `json:"name"`
	TemplateID string `json:"template_id"`
}

// Build is one lifecycle transition run by the provisioner
type Build struct {
	ID          string `json:"id"`
	BuildNumber int    `json:"build_number"`
	Transition  string `json:"transition"`
	Status      string `json:"status"`
}

// ProvisionedWorkspace is the provisioner's view of a workspace
type ProvisionedWorkspace struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TemplateID  string `json:"template_id"`
	LatestBuild Build  `json:"latest_build"`
}

// Status maps the latest build onto a workspace status
func (w *ProvisionedWorkspace) Status() model.WorkspaceStatus {
	return BuildStatus(w.LatestBuild.Status)
}

// Template is a workspace template offered by the provisioner
type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// BuildStatus maps a provisioner build status onto a workspace status
func BuildStatus(status string) model.WorkspaceStatus {
	switch strings.ToLower(status) {
	case "pending":
		return model.WorkspaceStatusPending
	case "starting":
		return model.WorkspaceStatusStarting
	case "running":
		return model.WorkspaceStatusRunning
	case "stopping":
		return model.WorkspaceStatusStopping
	case "stopped":
		return model.WorkspaceStatusStopped
	case "deleting":
		return model.WorkspaceStatusDeleting
	case "deleted":
		return model.WorkspaceStatusDeleted
	default:
		// failed, canceling, canceled and anything unknown
		return model.WorkspaceStatusFailed
	}
}

// HTTPProvisioner talks to a Coder-style REST API
type HTTPProvisioner struct {
	baseURL *url.URL
	token   string
	client  *http.Client
}

var _ Provisioner = &HTTPProvisioner{}

// NewHTTPProvisioner creates a provisioner client for baseURL
func NewHTTPProvisioner(baseURL, token string, timeout time.Duration) (*HTTPProvisioner, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid provisioner URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid provisioner URL %q: scheme must be http or https", baseURL)
	}
	return &HTTPProvisioner{
		baseURL: u,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// CreateWorkspace implements Provisioner
func (p *HTTPProvisioner) CreateWorkspace(ctx context.Context, req CreateRequest) (*ProvisionedWorkspace, error) {
	var out ProvisionedWorkspace
	if err := p.do(ctx, http.MethodPost, "/api/v2/workspaces", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartWorkspace implements Provisioner
func (p *HTTPProvisioner) StartWorkspace(ctx context.Context, id string) (*Build, error) {
	return p.transition(ctx, id, "start")
}

// StopWorkspace implements Provisioner
func (p *HTTPProvisioner) StopWorkspace(ctx context.Context, id string) (*Build, error) {
	return p.transition(ctx, id, "stop")
}

// DeleteWorkspace implements Provisioner
func (p *HTTPProvisioner) DeleteWorkspace(ctx context.Context, id string) (*Build, error) {
	return p.transition(ctx, id, "delete")
}

func (p *HTTPProvisioner) transition(ctx context.Context, id, transition string) (*Build, error) {
	var out Build
	body := map[string]string{"transition": transition}
	if err := p.do(ctx, http.MethodPost, "/api/v2/workspaces/"+url.PathEscape(id)+"/builds", body, &out); err != nil {
		return nil, fmt.Errorf("%s workspace %s: %w", transition, id, err)
	}
	return &out, nil
}

// GetWorkspace implements Provisioner
func (p *HTTPProvisioner) GetWorkspace(ctx context.Context, id string) (*ProvisionedWorkspace, error) {
	var out ProvisionedWorkspace
	if err := p.do(ctx, http.MethodGet, "/api/v2/workspaces/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTemplates implements Provisioner
func (p *HTTPProvisioner) ListTemplates(ctx context.Context) ([]Template, error) {
	var out []Template
	if err := p.do(ctx, http.MethodGet, "/api/v2/templates", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *HTTPProvisioner) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Coder-Session-Token", p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrProvisionerNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
