// Copyright Contributors to the KubeTask project

// Package config loads the orchestrator configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Run modes
const (
	// ModeJobs dispatches pending tasks one at a time as Kubernetes Jobs
	ModeJobs = "jobs"
	// ModeWorkspace runs pending tasks inside their session workspace
	ModeWorkspace = "workspace"
)

// Workspace executors
const (
	ExecutorSimulated = "simulated"
	ExecutorJob       = "job"
)

// Config holds the orchestrator configuration
type Config struct {
	// Mode selects which component picks up PENDING tasks: "jobs" or "workspace"
	Mode               string `yaml:"mode"`
	LogLevel           string `yaml:"logLevel"`
	MetricsAddress     string `yaml:"metricsAddress"`
	HealthProbeAddress string `yaml:"healthProbeAddress"`

	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Store      StoreConfig      `yaml:"store"`
}

// KubernetesConfig configures Job materialization
type KubernetesConfig struct {
	// Enabled turns the orchestrator integration on; when false every lifecycle
	// call returns a disabled sentinel instead of touching the cluster
	Enabled          *bool     `yaml:"enabled"`
	DefaultImage     string    `yaml:"defaultImage"`
	DefaultNamespace string    `yaml:"defaultNamespace"`
	ToolsImage       string    `yaml:"toolsImage"`
	ServiceAccount   string    `yaml:"serviceAccount"`
	BackoffLimit     *int32    `yaml:"backoffLimit"`
	JobTTL           Duration  `yaml:"jobTTL"`
	PVC              PVCConfig `yaml:"pvc"`
	// AgentDownloadURL is where the execution agent binary is fetched from inside the job
	AgentDownloadURL string `yaml:"agentDownloadURL"`
	// ControlPlaneURL is handed to the agent so it can report back
	ControlPlaneURL string `yaml:"controlPlaneURL"`
}

// PVCConfig holds defaults for PersistentVolumeClaims created for tasks
type PVCConfig struct {
	Size         string `yaml:"size"`
	AccessMode   string `yaml:"accessMode"`
	StorageClass string `yaml:"storageClass"`
}

// ProcessorConfig configures the background task processor
type ProcessorConfig struct {
	DispatchDelay    Duration `yaml:"dispatchDelay"`
	MonitorDelay     Duration `yaml:"monitorDelay"`
	CrashLoopTimeout Duration `yaml:"crashLoopTimeout"`
	Workers          int      `yaml:"workers"`
}

// WorkspaceConfig configures workspace-backed execution and repair
type WorkspaceConfig struct {
	WaitMaxAttempts   int      `yaml:"waitMaxAttempts"`
	WaitInterval      Duration `yaml:"waitInterval"`
	TaskTimeout       Duration `yaml:"taskTimeout"`
	PendingSweepDelay Duration `yaml:"pendingSweepDelay"`
	RunningSweepDelay Duration `yaml:"runningSweepDelay"`
	RetrySweepDelay   Duration `yaml:"retrySweepDelay"`
	FailedGracePeriod Duration `yaml:"failedGracePeriod"`
	CleanupInterval   Duration `yaml:"cleanupInterval"`
	// CleanupSchedule is an optional cron expression that overrides CleanupInterval
	CleanupSchedule string `yaml:"cleanupSchedule"`
	// Executor is "simulated" or "job"
	Executor          string   `yaml:"executor"`
	SimulatedDuration Duration `yaml:"simulatedDuration"`
	ProvisionerURL    string   `yaml:"provisionerURL"`
	ProvisionerToken  string   `yaml:"provisionerToken"`
	TemplateID        string   `yaml:"templateID"`
	RequestTimeout    Duration `yaml:"requestTimeout"`
}

// TasksConfig holds task defaults
type TasksConfig struct {
	MaxRetries int `yaml:"maxRetries"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	// Driver is "memory" or "sqlite"
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Duration wraps time.Duration so YAML can use strings like "30s"
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// IsEnabled reports whether the Kubernetes integration is turned on
func (k KubernetesConfig) IsEnabled() bool {
	return k.Enabled == nil || *k.Enabled
}

// Default returns the configuration used when no file is present
func Default() *Config {
	enabled := true
	backoffLimit := int32(3)
	return &Config{
		Mode:               ModeJobs,
		LogLevel:           "info",
		MetricsAddress:     ":8080",
		HealthProbeAddress: ":8081",
		Kubernetes: KubernetesConfig{
			Enabled:          &enabled,
			DefaultImage:     "quay.io/kubetask/kubetask-agent:latest",
			DefaultNamespace: "default",
			ToolsImage:       "quay.io/kubetask/kubetask-tools:latest",
			BackoffLimit:     &backoffLimit,
			JobTTL:           Duration{time.Hour},
			PVC: PVCConfig{
				Size:       "1Gi",
				AccessMode: "ReadWriteOnce",
			},
			AgentDownloadURL: "https://downloads.kubetask.io/agent/latest/kubetask-agent-linux-amd64",
		},
		Processor: ProcessorConfig{
			DispatchDelay:    Duration{5 * time.Second},
			MonitorDelay:     Duration{10 * time.Second},
			CrashLoopTimeout: Duration{5 * time.Minute},
			Workers:          4,
		},
		Workspace: WorkspaceConfig{
			WaitMaxAttempts:   30,
			WaitInterval:      Duration{10 * time.Second},
			TaskTimeout:       Duration{30 * time.Minute},
			PendingSweepDelay: Duration{30 * time.Second},
			RunningSweepDelay: Duration{60 * time.Second},
			RetrySweepDelay:   Duration{120 * time.Second},
			FailedGracePeriod: Duration{30 * time.Minute},
			CleanupInterval:   Duration{15 * time.Minute},
			Executor:          ExecutorSimulated,
			SimulatedDuration: Duration{5 * time.Second},
			RequestTimeout:    Duration{30 * time.Second},
		},
		Tasks: TasksConfig{
			MaxRetries: 3,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path.
// A missing file yields the defaults; unset fields are filled from the defaults.
func LoadConfig(path string) (*Config, error) {
	defaults := Default()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaults, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaults)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.Mode != ModeJobs && c.Mode != ModeWorkspace {
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}
	if e := c.Workspace.Executor; e != ExecutorSimulated && e != ExecutorJob {
		return fmt.Errorf("unsupported workspace executor %q", e)
	}
	if s := c.Workspace.CleanupSchedule; s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return fmt.Errorf("invalid workspace.cleanupSchedule %q: %w", s, err)
		}
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("tasks.maxRetries must not be negative")
	}
	return nil
}

func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	setString(&cfg.Mode, defaults.Mode)
	setString(&cfg.LogLevel, defaults.LogLevel)
	setString(&cfg.MetricsAddress, defaults.MetricsAddress)
	setString(&cfg.HealthProbeAddress, defaults.HealthProbeAddress)

	k, dk := &cfg.Kubernetes, defaults.Kubernetes
	if k.Enabled == nil {
		k.Enabled = dk.Enabled
	}
	setString(&k.DefaultImage, dk.DefaultImage)
	setString(&k.DefaultNamespace, dk.DefaultNamespace)
	setString(&k.ToolsImage, dk.ToolsImage)
	if k.BackoffLimit == nil {
		k.BackoffLimit = dk.BackoffLimit
	}
	setDuration(&k.JobTTL, dk.JobTTL)
	setString(&k.PVC.Size, dk.PVC.Size)
	setString(&k.PVC.AccessMode, dk.PVC.AccessMode)
	setString(&k.AgentDownloadURL, dk.AgentDownloadURL)

	p, dp := &cfg.Processor, defaults.Processor
	setDuration(&p.DispatchDelay, dp.DispatchDelay)
	setDuration(&p.MonitorDelay, dp.MonitorDelay)
	setDuration(&p.CrashLoopTimeout, dp.CrashLoopTimeout)
	if p.Workers <= 0 {
		p.Workers = dp.Workers
	}

	w, dw := &cfg.Workspace, defaults.Workspace
	if w.WaitMaxAttempts <= 0 {
		w.WaitMaxAttempts = dw.WaitMaxAttempts
	}
	setDuration(&w.WaitInterval, dw.WaitInterval)
	setDuration(&w.TaskTimeout, dw.TaskTimeout)
	setDuration(&w.PendingSweepDelay, dw.PendingSweepDelay)
	setDuration(&w.RunningSweepDelay, dw.RunningSweepDelay)
	setDuration(&w.RetrySweepDelay, dw.RetrySweepDelay)
	setDuration(&w.FailedGracePeriod, dw.FailedGracePeriod)
	setDuration(&w.CleanupInterval, dw.CleanupInterval)
	setDuration(&w.RequestTimeout, dw.RequestTimeout)
	setString(&w.Executor, dw.Executor)
	setDuration(&w.SimulatedDuration, dw.SimulatedDuration)

	if cfg.Tasks.MaxRetries == 0 {
		cfg.Tasks.MaxRetries = defaults.Tasks.MaxRetries
	}
	setString(&cfg.Store.Driver, defaults.Store.Driver)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setDuration(v *Duration, def Duration) {
	if v.Duration == 0 {
		*v = def
	}
}
