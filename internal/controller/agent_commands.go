// Copyright Contributors to the KubeTask project

package controller

import (
	"fmt"

	"github.com/kubetask/kubetask-orchestrator/internal/config"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

const agentBinary = "/usr/local/bin/kubetask-agent"

// AgentCommandGenerator produces the bootstrap for the agent container of a task
type AgentCommandGenerator interface {
	Generate(task *model.Task) AgentBootstrap
}

// DownloadAgentCommands fetches the agent binary at start-up and runs it against the task
type DownloadAgentCommands struct {
	DownloadURL     string
	ControlPlaneURL string
}

// NewDownloadAgentCommands creates a generator from the Kubernetes configuration
func NewDownloadAgentCommands(cfg config.KubernetesConfig) *DownloadAgentCommands {
	return &DownloadAgentCommands{
		DownloadURL:     cfg.AgentDownloadURL,
		ControlPlaneURL: cfg.ControlPlaneURL,
	}
}

// Generate implements AgentCommandGenerator
func (g *DownloadAgentCommands) Generate(task *model.Task) AgentBootstrap {
	env := map[string]string{
		"KUBETASK_TASK_ID":       task.ID,
		"KUBETASK_TASK_TITLE":    task.Title,
		"KUBETASK_WORKSPACE_DIR": WorkspaceMountPath,
	}
	if task.SessionID != "" {
		env["KUBETASK_SESSION_ID"] = task.SessionID
	}
	if task.ParentID != nil && *task.ParentID != "" {
		env["KUBETASK_PARENT_TASK_ID"] = *task.ParentID
	}
	if g.ControlPlaneURL != "" {
		env["KUBETASK_CONTROL_PLANE_URL"] = g.ControlPlaneURL
	}

	var install []string
	if g.DownloadURL != "" {
		install = []string{
			fmt.Sprintf("curl -fsSL %q -o %s", g.DownloadURL, agentBinary),
			"chmod +x " + agentBinary,
		}
	}

	return AgentBootstrap{
		InstallCommands: install,
		ExecuteCommand:  fmt.Sprintf("%s run --task-id %q", agentBinary, task.ID),
		Env:             env,
	}
}
