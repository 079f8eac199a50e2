// Copyright Contributors to the KubeTask project

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/kubetask/kubetask-orchestrator/internal/config"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

func init() {
	submitCmd.Flags().StringVar(&submit.title, "title", "", "Task title (required)")
	submitCmd.Flags().StringVar(&submit.image, "image", "", "Container image, defaults to kubernetes.defaultImage")
	submitCmd.Flags().StringVar(&submit.namespace, "namespace", "", "Namespace, defaults to kubernetes.defaultNamespace")
	submitCmd.Flags().StringVar(&submit.session, "session", "", "Session the task belongs to")
	submitCmd.Flags().StringVar(&submit.workspace, "workspace", "", "Workspace to run in, resolved from the session when empty")
	submitCmd.Flags().StringVar(&submit.parent, "parent", "", "Parent task ID for sub-tasks")
	submitCmd.Flags().StringVar(&submit.repoURL, "repo-url", "", "Git repository to check out into the workspace")
	submitCmd.Flags().StringVar(&submit.repoRef, "repo-ref", "", "Git ref to check out")
	submitCmd.Flags().StringVar(&submit.repoSecret, "repo-secret", "", "Secret with username/password keys for the repository")
	submitCmd.Flags().StringToStringVar(&submit.env, "env", nil, "Additional environment variables (KEY=VALUE)")
	submitCmd.Flags().IntVar(&submit.maxRetries, "max-retries", -1, "Retry budget, defaults to tasks.maxRetries")
	submitCmd.Flags().StringVar(&submit.manifestPath, "manifest", "", "Path to a batch/v1 Job manifest used as the base Job")
	_ = submitCmd.MarkFlagRequired("title")

	logsCmd.Flags().StringVarP(&jobNamespace, "namespace", "n", "", "Job namespace, defaults to kubernetes.defaultNamespace")
	jobStatusCmd.Flags().StringVarP(&jobNamespace, "namespace", "n", "", "Job namespace, defaults to kubernetes.defaultNamespace")

	rootCmd.AddCommand(submitCmd, cancelCmd, retryCmd, logsCmd, jobStatusCmd, cleanupWorkspaceCmd)
}

type submitOptions struct {
	title        string
	image        string
	namespace    string
	session      string
	workspace    string
	parent       string
	repoURL      string
	repoRef      string
	repoSecret   string
	env          map[string]string
	maxRetries   int
	manifestPath string
}

var (
	submit       submitOptions
	jobNamespace string
)

// errEphemeralStore is returned by commands whose writes would be lost when they exit
var errEphemeralStore = errors.New(`store.driver "memory" is discarded when the command exits; configure store.driver: sqlite`)

// requirePersistentStore refuses store drivers that do not outlive the process
func requirePersistentStore(c config.StoreConfig) error {
	if c.Driver == "" || c.Driver == "memory" {
		return errEphemeralStore
	}
	return nil
}

// newTask builds a PENDING task from the submit options
func newTask(o submitOptions, defaultMaxRetries int, manifest string) (*model.Task, error) {
	if o.title == "" {
		return nil, fmt.Errorf("a title is required")
	}
	maxRetries := o.maxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	task := &model.Task{
		Title:              o.title,
		Status:             model.TaskStatusPending,
		Image:              o.image,
		Namespace:          o.namespace,
		SessionID:          o.session,
		MaxRetries:         maxRetries,
		AdditionalEnv:      o.env,
		KubernetesManifest: manifest,
	}
	if o.workspace != "" {
		task.WorkspaceID = &o.workspace
	}
	if o.parent != "" {
		task.ParentID = &o.parent
	}
	if o.repoURL != "" {
		task.Repository = &model.Repository{URL: o.repoURL, Ref: o.repoRef, SecretName: o.repoSecret}
	}
	return task, nil
}

// printYAML writes v using its JSON field names
func printYAML(w io.Writer, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a new task",
	Example: `  orchestrator submit --title="Fix flaky test" --session=S1 \
    --repo-url=https://github.com/example/app.git --env=MODE=fast`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePersistentStore(cfg.Store); err != nil {
			return err
		}
		var manifest string
		if submit.manifestPath != "" {
			data, err := os.ReadFile(submit.manifestPath)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			manifest = string(data)
		}
		task, err := newTask(submit, cfg.Tasks.MaxRetries, manifest)
		if err != nil {
			return err
		}

		st, err := openStores(cfg.Store)
		if err != nil {
			return err
		}
		defer func() { _ = st.close() }()

		saved, err := st.tasks.Save(cmd.Context(), task)
		if err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		return printYAML(cmd.OutOrStdout(), saved)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task and delete its Job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePersistentStore(cfg.Store); err != nil {
			return err
		}
		a, err := oneShotApp(cmd.Context())
		if err != nil {
			return err
		}
		defer shutdown(ctrlLog("cancel"), a)

		task, err := a.processor.CancelTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printYAML(cmd.OutOrStdout(), task)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry TASK_ID",
	Short: "Requeue a failed task that has retries left",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePersistentStore(cfg.Store); err != nil {
			return err
		}
		a, err := oneShotApp(cmd.Context())
		if err != nil {
			return err
		}
		defer shutdown(ctrlLog("retry"), a)

		task, err := a.execution.RetryTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printYAML(cmd.OutOrStdout(), task)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs JOB_NAME",
	Short: "Print the logs of a task Job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := oneShotApp(cmd.Context())
		if err != nil {
			return err
		}
		defer shutdown(ctrlLog("logs"), a)

		_, err = fmt.Fprintln(cmd.OutOrStdout(), a.jobs.GetJobLogs(cmd.Context(), namespaceOrDefault(jobNamespace), args[0]))
		return err
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "job-status JOB_NAME",
	Short: "Print the normalized status of a task Job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := oneShotApp(cmd.Context())
		if err != nil {
			return err
		}
		defer shutdown(ctrlLog("job-status"), a)

		_, err = fmt.Fprintln(cmd.OutOrStdout(), a.jobs.GetJobStatus(cmd.Context(), namespaceOrDefault(jobNamespace), args[0]))
		return err
	},
}

var cleanupWorkspaceCmd = &cobra.Command{
	Use:   "cleanup-workspace SESSION_ID WORKSPACE_ID",
	Short: "Replace a failed workspace now, skipping the grace period",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePersistentStore(cfg.Store); err != nil {
			return err
		}
		a, err := oneShotApp(cmd.Context())
		if err != nil {
			return err
		}
		defer shutdown(ctrlLog("cleanup-workspace"), a)

		replacement, err := a.cleanup.CleanupFailedWorkspace(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if replacement == nil {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Workspace does not need a repair")
			return err
		}
		return printYAML(cmd.OutOrStdout(), replacement)
	},
}

func namespaceOrDefault(ns string) string {
	if ns != "" {
		return ns
	}
	return cfg.Kubernetes.DefaultNamespace
}
