// Copyright Contributors to the KubeTask project

//go:build !integration

package workspace

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/kubetask/kubetask-orchestrator/internal/model"
	"github.com/kubetask/kubetask-orchestrator/internal/store"
)

var _ = Describe("CleanupService", func() {
	const grace = 30 * time.Minute

	var (
		ctx         context.Context
		mem         *store.MemoryStore
		workspaces  *store.MemoryWorkspaces
		provisioner *fakeProvisioner
		inFlight    *MemoryKeySet
		clk         *testingclock.FakeClock
		svc         *CleanupService
	)

	failedWorkspace := func(name string, age time.Duration) *model.Workspace {
		ws, err := workspaces.Save(ctx, &model.Workspace{
			Name:          name,
			SessionID:     "S",
			TemplateID:    "tpl-1",
			Status:        model.WorkspaceStatusFailed,
			ProvisionerID: "p-" + name,
			Resources:     model.ResourceInfo{Namespace: "team-a", PVCName: "session-s"},
			CreatedAt:     clk.Now().Add(-2 * time.Hour),
			UpdatedAt:     clk.Now().Add(-age),
		})
		Expect(err).NotTo(HaveOccurred())
		return ws
	}

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemoryStore()
		workspaces = mem.Workspaces()
		provisioner = newFakeProvisioner()
		inFlight = NewMemoryKeySet()
		clk = testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
		svc = NewCleanupService(mem, workspaces, provisioner, inFlight, clk, CleanupOptions{GracePeriod: grace, TemplateID: "tpl-default"})
		mem.PutSession(&model.Session{ID: "S", UserID: "u1", Name: "Alice's Session"})
	})

	It("replaces a workspace that stayed failed past the grace period", func() {
		old := failedWorkspace("dev", 31*time.Minute)

		svc.SweepFailedWorkspaces(ctx)

		By("removing the failed workspace everywhere")
		Expect(provisioner.deleted).To(Equal([]string{"p-dev"}))
		_, err := workspaces.FindByID(ctx, old.ID)
		Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())

		By("creating a replacement for the same session")
		remaining, err := workspaces.FindBySessionID(ctx, "S")
		Expect(err).NotTo(HaveOccurred())
		Expect(remaining).To(HaveLen(1))
		replacement := remaining[0]
		Expect(replacement.ID).NotTo(Equal(old.ID))
		Expect(replacement.Name).NotTo(Equal(old.Name))
		Expect(replacement.Name).To(MatchRegexp(`^[a-z0-9_-]+$`))
		Expect(len(replacement.Name)).To(BeNumerically("<=", MaxNameLength))
		Expect(replacement.TemplateID).To(Equal("tpl-1"))
		Expect(replacement.ProvisionerID).To(Equal("prov-" + replacement.Name))
		Expect(replacement.Status).To(Equal(model.WorkspaceStatusStarting))
		Expect(replacement.Resources.Namespace).To(Equal("team-a"))
		Expect(provisioner.created).To(HaveLen(1))
		Expect(inFlight.Len()).To(BeZero())
	})

	It("leaves recently failed workspaces alone", func() {
		recent := failedWorkspace("dev", 29*time.Minute)

		svc.SweepFailedWorkspaces(ctx)

		Expect(provisioner.deleted).To(BeEmpty())
		_, err := workspaces.FindByID(ctx, recent.ID)
		Expect(err).NotTo(HaveOccurred())
	})

	It("skips the repair when the session is gone", func() {
		ws := failedWorkspace("dev", time.Hour)
		mem.DeleteSession("S")

		replacement, err := svc.CleanupFailedWorkspace(ctx, "S", ws.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(replacement).To(BeNil())
		Expect(provisioner.deleted).To(BeEmpty())
	})

	It("skips the repair when the workspace recovered", func() {
		ws := failedWorkspace("dev", time.Hour)
		ws.Status = model.WorkspaceStatusRunning
		_, err := workspaces.Save(ctx, ws)
		Expect(err).NotTo(HaveOccurred())

		replacement, err := svc.CleanupFailedWorkspace(ctx, "S", ws.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(replacement).To(BeNil())
		Expect(provisioner.created).To(BeEmpty())
	})

	It("falls back to the session name and default template", func() {
		ws, err := workspaces.Save(ctx, &model.Workspace{SessionID: "S", Status: model.WorkspaceStatusFailed, UpdatedAt: clk.Now().Add(-time.Hour)})
		Expect(err).NotTo(HaveOccurred())

		replacement, err := svc.CleanupFailedWorkspace(ctx, "S", ws.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(replacement.Name).To(HavePrefix("alice-s-session-"))
		Expect(replacement.TemplateID).To(Equal("tpl-default"))
	})

	It("collapses concurrent repairs of the same workspace", func() {
		ws := failedWorkspace("dev", time.Hour)
		provisioner.deleteGate = make(chan struct{})
		provisioner.deleting = make(chan struct{})

		type result struct {
			ws  *model.Workspace
			err error
		}
		first := make(chan result, 1)
		go func() {
			defer GinkgoRecover()
			r, err := svc.CleanupFailedWorkspace(ctx, "S", ws.ID)
			first <- result{r, err}
		}()

		Eventually(provisioner.deleting).Should(BeClosed())
		Expect(inFlight.Contains(cleanupKey("S", ws.ID))).To(BeTrue())

		_, err := svc.CleanupFailedWorkspace(ctx, "S", ws.ID)
		Expect(err).To(MatchError(ErrCleanupInProgress))

		close(provisioner.deleteGate)
		var r result
		Eventually(first).Should(Receive(&r))
		Expect(r.err).NotTo(HaveOccurred())
		Expect(r.ws).NotTo(BeNil())
		Expect(provisioner.created).To(HaveLen(1))
		Expect(inFlight.Len()).To(BeZero())
	})

	It("releases the workspace when the replacement cannot be created", func() {
		ws := failedWorkspace("dev", time.Hour)
		provisioner.createErr = errors.New("quota exceeded")

		_, err := svc.CleanupFailedWorkspace(ctx, "S", ws.ID)
		Expect(err).To(MatchError(ContainSubstring("quota exceeded")))
		Expect(inFlight.Len()).To(BeZero())
	})
})
