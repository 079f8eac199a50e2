// Copyright Contributors to the KubeTask project

// Package metrics exposes orchestrator counters on the controller-runtime metrics registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "kubetask"

var (
	// TasksDispatched counts tasks handed to the cluster
	TasksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_dispatched_total",
		Help:      "Number of tasks dispatched as Kubernetes Jobs",
	})

	// TasksCompleted counts tasks reaching a terminal state, by result
	TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_completed_total",
		Help:      "Number of tasks that reached a terminal state",
	}, []string{"result"})

	// CrashLoopTimeouts counts Jobs failed for crash-looping too long
	CrashLoopTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crashloop_timeouts_total",
		Help:      "Number of Jobs failed after crash-looping past the timeout",
	})

	// WorkspaceRepairs counts failed-workspace repair attempts, by outcome
	WorkspaceRepairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workspace_repairs_total",
		Help:      "Number of failed workspace repair attempts",
	}, []string{"outcome"})
)

func init() {
	metrics.Registry.MustRegister(TasksDispatched, TasksCompleted, CrashLoopTimeouts, WorkspaceRepairs)
}
