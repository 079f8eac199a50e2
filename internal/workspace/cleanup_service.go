// Copyright Contributors to the KubeTask project

package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kubetask/kubetask-orchestrator/internal/controller"
	"github.com/kubetask/kubetask-orchestrator/internal/metrics"
	"github.com/kubetask/kubetask-orchestrator/internal/model"
	"github.com/kubetask/kubetask-orchestrator/internal/store"
)

// ErrCleanupInProgress is returned when a repair for the same workspace is already running
var ErrCleanupInProgress = errors.New("cleanup already in progress")

// Repair outcomes, also used as metric labels
const (
	RepairRepaired = "repaired"
	RepairSkipped  = "skipped"
	RepairFailed   = "failed"
)

// CleanupOptions configures a CleanupService
type CleanupOptions struct {
	GracePeriod time.Duration
	// TemplateID is used for replacements when the failed workspace has none
	TemplateID string
}

// CleanupService replaces workspaces that stayed FAILED with fresh ones for the
// same session
type CleanupService struct {
	sessions    store.SessionStore
	workspaces  store.WorkspaceStore
	provisioner Provisioner
	inFlight    KeySet
	clock       clock.PassiveClock
	opts        CleanupOptions

	sweepGuard controller.Guard
}

// NewCleanupService creates a CleanupService. provisioner may be nil, in which case
// only the store records are replaced.
func NewCleanupService(sessions store.SessionStore, workspaces store.WorkspaceStore, provisioner Provisioner, inFlight KeySet, clk clock.PassiveClock, opts CleanupOptions) *CleanupService {
	return &CleanupService{
		sessions:    sessions,
		workspaces:  workspaces,
		provisioner: provisioner,
		inFlight:    inFlight,
		clock:       clk,
		opts:        opts,
	}
}

func cleanupKey(sessionID, workspaceID string) string {
	return sessionID + "/" + workspaceID
}

// CleanupFailedWorkspace repairs one workspace. Concurrent requests for the same
// pair collapse into one repair; the others get ErrCleanupInProgress. It returns the
// replacement, or nil when the repair turned out to be unnecessary.
func (s *CleanupService) CleanupFailedWorkspace(ctx context.Context, sessionID, workspaceID string) (*model.Workspace, error) {
	key := cleanupKey(sessionID, workspaceID)
	if !s.inFlight.Add(key) {
		return nil, fmt.Errorf("%w: workspace %s", ErrCleanupInProgress, workspaceID)
	}
	defer s.inFlight.Remove(key)

	logger := log.FromContext(ctx).WithValues("session", sessionID, "workspace", workspaceID)
	ctx = log.IntoContext(ctx, logger)

	replacement, err := s.repair(ctx, sessionID, workspaceID)
	switch {
	case err != nil:
		metrics.WorkspaceRepairs.WithLabelValues(RepairFailed).Inc()
		logger.Error(err, "unable to repair failed workspace")
	case replacement == nil:
		metrics.WorkspaceRepairs.WithLabelValues(RepairSkipped).Inc()
	default:
		metrics.WorkspaceRepairs.WithLabelValues(RepairRepaired).Inc()
		logger.Info("replaced failed workspace", "replacement", replacement.ID, "name", replacement.Name)
	}
	return replacement, err
}

func (s *CleanupService) repair(ctx context.Context, sessionID, workspaceID string) (*model.Workspace, error) {
	log := log.FromContext(ctx)

	// Both records may have changed since the repair was requested
	session, err := s.sessions.FindSessionByID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("session no longer exists, skipping repair")
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	ws, err := s.workspaces.FindByID(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("workspace no longer exists, skipping repair")
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if ws.SessionID != sessionID || ws.Status != model.WorkspaceStatusFailed {
		log.Info("workspace is no longer failed, skipping repair", "status", ws.Status)
		return nil, nil
	}

	if s.provisioner != nil && ws.ProvisionerID != "" {
		if _, err := s.provisioner.DeleteWorkspace(ctx, ws.ProvisionerID); err != nil && !errors.Is(err, ErrProvisionerNotFound) {
			return nil, fmt.Errorf("delete workspace from provisioner: %w", err)
		}
	}
	if err := s.workspaces.Delete(ctx, ws.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("delete workspace: %w", err)
	}

	base := ws.Name
	if base == "" {
		base = session.Name
	}
	if base == "" {
		base = "session-" + session.ID
	}
	templateID := ws.TemplateID
	if templateID == "" {
		templateID = s.opts.TemplateID
	}

	now := s.clock.Now()
	replacement := &model.Workspace{
		Name:       replacementName(base),
		SessionID:  session.ID,
		TemplateID: templateID,
		Status:     model.WorkspaceStatusPending,
		Resources:  model.ResourceInfo{Namespace: ws.Resources.Namespace, PVCName: ws.Resources.PVCName},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if s.provisioner != nil {
		pw, err := s.provisioner.CreateWorkspace(ctx, CreateRequest{Name: replacement.Name, TemplateID: templateID})
		if err != nil {
			return nil, fmt.Errorf("create replacement workspace: %w", err)
		}
		replacement.ProvisionerID = pw.ID
		if pw.LatestBuild.Status != "" {
			replacement.Status = pw.Status()
			replacement.Build = model.BuildInfo{
				BuildID:     pw.LatestBuild.ID,
				BuildNumber: pw.LatestBuild.BuildNumber,
				BuildStatus: pw.LatestBuild.Status,
			}
		}
	}

	return s.workspaces.Save(ctx, replacement)
}

// SweepFailedWorkspaces repairs every workspace that has been FAILED for longer than
// the grace period, unless a sweep is already running
func (s *CleanupService) SweepFailedWorkspaces(ctx context.Context) {
	s.sweepGuard.TryRun(func() {
		log := log.FromContext(ctx)
		cutoff := s.clock.Now().Add(-s.opts.GracePeriod)
		stale, err := s.workspaces.FindByStatusAndUpdatedAtBefore(ctx, model.WorkspaceStatusFailed, cutoff)
		if err != nil {
			log.Error(err, "unable to list failed workspaces")
			return
		}
		if len(stale) > 0 {
			log.Info("found failed workspaces past the grace period", "count", len(stale))
		}
		for _, ws := range stale {
			// failures are logged per workspace
			_, _ = s.CleanupFailedWorkspace(ctx, ws.SessionID, ws.ID)
		}
	})
}
