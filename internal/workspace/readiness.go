// Copyright Contributors to the KubeTask project

package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

var (
	// ErrWorkspaceNotReady is returned when a workspace does not reach RUNNING in time
	// or is in a status it cannot be started from
	ErrWorkspaceNotReady = errors.New("workspace not ready")
	// ErrWorkspaceFailed is returned when a workspace is observed FAILED while waiting
	ErrWorkspaceFailed = errors.New("workspace failed")
)

// StatusFunc reports the current status of one workspace
type StatusFunc func(ctx context.Context) (model.WorkspaceStatus, error)

// WaitForRunning polls status until it reports RUNNING. It checks first and sleeps
// between checks, so it makes at most maxAttempts checks and maxAttempts-1 sleeps.
// It returns the number of the attempt that observed RUNNING.
func WaitForRunning(ctx context.Context, clk clock.Clock, maxAttempts int, interval time.Duration, status StatusFunc) (int, error) {
	log := log.FromContext(ctx)
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last model.WorkspaceStatus
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, err := status(ctx)
		switch {
		case err != nil:
			// Transient lookup failures use up an attempt but do not end the wait
			log.Error(err, "unable to get workspace status", "attempt", attempt)
		case current == model.WorkspaceStatusRunning:
			return attempt, nil
		case current == model.WorkspaceStatusFailed:
			return attempt, ErrWorkspaceFailed
		default:
			last = current
			log.V(1).Info("waiting for workspace", "status", current, "attempt", attempt, "maxAttempts", maxAttempts)
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-clk.After(interval):
		}
	}
	return maxAttempts, fmt.Errorf("%w: still %s after %d attempts", ErrWorkspaceNotReady, last, maxAttempts)
}
