package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
)

func TestEnsureSandboxReady_CreatesWhenNoHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := h.newProject("")

	res, err := h.sandboxes.EnsureSandboxReady(ctx, projectID)
	require.NoError(t, err)

	assert.True(t, res.Healthy)
	assert.False(t, res.NeedsRefresh)
	assert.Equal(t, 1, h.e2b.CreateCalls())

	p := h.store.Project(projectID)
	assert.Equal(t, res.SandboxID, p.SandboxID())
	assert.Equal(t, res.URL, p.URL())
	assert.Equal(t, models.BuildStatusReady, p.BuildStatus)
	require.NotNil(t, p.SandboxProvider)
	assert.Equal(t, models.SandboxProviderE2B, *p.SandboxProvider)

	statuses := h.store.Statuses(projectID)
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, []models.BuildStatus{models.BuildStatusInitializing, models.BuildStatusReady}, statuses[len(statuses)-2:])

	// The sandbox runs the template, but nothing is versioned yet.
	assert.Nil(t, p.ActiveFragmentID)
	assert.Equal(t, 0, h.store.FragmentCount(projectID))
	content, ok := h.e2b.File(res.SandboxID, "src/App.tsx")
	require.True(t, ok)
	assert.Contains(t, content, "<h1")
}

func TestEnsureSandboxReady_HealthyFastPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID, sandboxID := h.readyProject(models.SandboxProviderE2B)

	res, err := h.sandboxes.EnsureSandboxReady(ctx, projectID)
	require.NoError(t, err)

	assert.Equal(t, sandboxID, res.SandboxID)
	assert.True(t, res.Healthy)
	assert.Equal(t, 1, h.e2b.CreateCalls())
	assert.Equal(t, 1, h.e2b.DescribeCalls())
}

func TestEnsureSandboxReady_RefreshesEphemeralURL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID, sandboxID := h.readyProject(models.SandboxProviderDaytona)
	before := h.store.Project(projectID).URL()

	rotated := h.daytona.RotateURL(sandboxID)
	require.NotEqual(t, before, rotated)

	res, err := h.sandboxes.EnsureSandboxReady(ctx, projectID)
	require.NoError(t, err)

	assert.True(t, res.Healthy)
	assert.Equal(t, rotated, res.URL)
	assert.Equal(t, rotated, h.store.Project(projectID).URL())
}

func TestEnsureSandboxReady_UnreachableKeepsHandle(t *testing.T) {
	probeErrors := map[string]error{
		"transient 503": &sandbox.TransientError{Op: "describe sandbox", StatusCode: 503, Err: errors.New("unavailable")},
		"timeout":       context.DeadlineExceeded,
		"unclassified":  errors.New("connection reset by peer"),
	}

	for name, probeErr := range probeErrors {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			projectID, sandboxID := h.readyProject(models.SandboxProviderE2B)
			h.e2b.SetDescribeErr(probeErr)

			res, err := h.sandboxes.EnsureSandboxReady(ctx, projectID)
			require.NoError(t, err)

			assert.False(t, res.Healthy)
			assert.True(t, res.NeedsRefresh)
			assert.Equal(t, sandboxID, res.SandboxID)
			assert.Equal(t, sandboxID, h.store.Project(projectID).SandboxID(), "handle must be kept")
			assert.Equal(t, 1, h.e2b.CreateCalls(), "no replacement for an unreachable sandbox")
		})
	}
}

func TestEnsureSandboxReady_MissingIsReplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID, sandboxID := h.readyProject(models.SandboxProviderE2B)

	// The provider reaped the sandbox.
	require.NoError(t, h.e2b.DeleteSandbox(ctx, sandboxID))

	res, err := h.sandboxes.EnsureSandboxReady(ctx, projectID)
	require.NoError(t, err)

	assert.True(t, res.Healthy)
	assert.NotEqual(t, sandboxID, res.SandboxID)
	assert.Equal(t, 2, h.e2b.CreateCalls())
	assert.Equal(t, res.SandboxID, h.store.Project(projectID).SandboxID())
	assert.Equal(t, 1, h.e2b.Live())

	// The replacement is seeded from the active fragment, not the template again.
	assert.Equal(t, 1, h.store.FragmentCount(projectID))
}

func TestEnsureSandboxReady_RestartsStoppedPersistentSandbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID, sandboxID := h.readyProject(models.SandboxProviderDaytona)
	h.daytona.SetState(sandboxID, sandbox.StateStopped)

	res, err := h.sandboxes.EnsureSandboxReady(ctx, projectID)
	require.NoError(t, err)

	assert.True(t, res.Healthy)
	assert.Equal(t, sandboxID, res.SandboxID)
	assert.Equal(t, 1, h.daytona.StartCalls())
	assert.Equal(t, 1, h.daytona.CreateCalls())
	assert.Equal(t, res.URL, h.store.Project(projectID).URL())
}

func TestEnsureSandboxReady_StoppedWithoutRestartNeedsRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID, sandboxID := h.readyProject(models.SandboxProviderE2B)
	h.e2b.SetState(sandboxID, sandbox.StateStopped)

	res, err := h.sandboxes.EnsureSandboxReady(ctx, projectID)
	require.NoError(t, err)

	assert.False(t, res.Healthy)
	assert.True(t, res.NeedsRefresh)
	assert.Equal(t, 0, h.e2b.StartCalls())
	assert.Equal(t, sandboxID, h.store.Project(projectID).SandboxID())
}

func TestCreateOrGetSandbox_ConcurrentRequestsShareOneSandbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := h.newProject(models.SandboxProviderE2B)
	h.e2b.CreateDelay = 100 * time.Millisecond

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.sandboxes.EnsureSandboxReady(ctx, projectID)
			assert.NoError(t, err)
			if res != nil {
				ids[i] = res.SandboxID
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.e2b.CreateCalls())
	assert.Equal(t, 1, h.e2b.Live())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestCreateOrGetSandbox_TwoInstancesFirstWriterWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := h.newProject(models.SandboxProviderE2B)
	h.e2b.CreateDelay = 200 * time.Millisecond

	// No shared lease: both instances provision, the claim picks one.
	instances := []SandboxService{h.instance(nil), h.instance(nil)}
	ids := make([]string, len(instances))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, svc := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			info, err := svc.CreateOrGetSandbox(ctx, projectID, CreateSandboxOptions{})
			assert.NoError(t, err)
			if info != nil {
				ids[i] = info.SandboxID
			}
		}()
	}
	close(start)
	wg.Wait()

	stored := h.store.Project(projectID).SandboxID()
	assert.Equal(t, stored, ids[0])
	assert.Equal(t, stored, ids[1])
	assert.Equal(t, 1, h.e2b.Live(), "the losing sandbox must be deleted")
	assert.Equal(t, 1, h.e2b.CreateCalls()-h.e2b.DeleteCalls())
	assert.Equal(t, models.BuildStatusReady, h.store.Project(projectID).BuildStatus)
}

func TestCreateOrGetSandbox_SharedLeaseAvoidsDuplicateCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := h.newProject(models.SandboxProviderE2B)
	h.e2b.CreateDelay = 300 * time.Millisecond

	lease := newMemLease()
	instances := []SandboxService{h.instance(lease), h.instance(lease)}
	ids := make([]string, len(instances))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, svc := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			info, err := svc.CreateOrGetSandbox(ctx, projectID, CreateSandboxOptions{})
			assert.NoError(t, err)
			if info != nil {
				ids[i] = info.SandboxID
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, h.e2b.CreateCalls())
	assert.Equal(t, 0, h.e2b.DeleteCalls())
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, 1, lease.acquired)
}

func TestCreateOrGetSandbox_ProviderFailureStampsError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := h.newProject(models.SandboxProviderE2B)
	h.e2b.CreateErr = errors.New("quota exceeded")

	_, err := h.sandboxes.CreateOrGetSandbox(ctx, projectID, CreateSandboxOptions{})
	require.Error(t, err)

	var opErr *apperrors.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, projectID, opErr.ProjectID)
	assert.Equal(t, "create_sandbox", opErr.Op)

	p := h.store.Project(projectID)
	assert.Equal(t, models.BuildStatusError, p.BuildStatus)
	require.NotNil(t, p.BuildError)
	assert.Contains(t, *p.BuildError, "quota exceeded")
	assert.Empty(t, p.SandboxID())
	assert.Equal(t, []models.BuildStatus{models.BuildStatusInitializing, models.BuildStatusError}, h.store.Statuses(projectID))
}

func TestCreateOrGetSandbox_ClaimFailureDeletesSandbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := h.newProject(models.SandboxProviderE2B)
	h.store.claimErr = errors.New("could not serialize access")

	_, err := h.sandboxes.CreateOrGetSandbox(ctx, projectID, CreateSandboxOptions{})
	require.Error(t, err)

	assert.Equal(t, 1, h.e2b.CreateCalls())
	assert.Equal(t, 0, h.e2b.Live())
	assert.Equal(t, models.BuildStatusError, h.store.Project(projectID).BuildStatus)
}

func TestCreateOrGetSandbox_SeedsFromRequestedFragment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := h.newProject(models.SandboxProviderE2B)

	fragment, err := h.fragments.CreateFragment(ctx, projectID, models.FileMap{
		"index.html":      "<html></html>",
		"public/logo.png": models.BinaryPlaceholder,
	}, "imported")
	require.NoError(t, err)

	info, err := h.sandboxes.CreateOrGetSandbox(ctx, projectID, CreateSandboxOptions{FragmentID: &fragment.ID})
	require.NoError(t, err)

	content, ok := h.e2b.File(info.SandboxID, "index.html")
	require.True(t, ok)
	assert.Equal(t, "<html></html>", content)
	_, ok = h.e2b.File(info.SandboxID, "public/logo.png")
	assert.False(t, ok, "binary placeholders are never written")
	assert.Equal(t, 1, h.store.FragmentCount(projectID), "no template fragment when seeded from a fragment")
}

func TestCreateOrGetSandbox_CancelledCallerStillProvisions(t *testing.T) {
	h := newHarness(t)
	projectID := h.newProject(models.SandboxProviderE2B)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	info, err := h.sandboxes.CreateOrGetSandbox(ctx, projectID, CreateSandboxOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.e2b.CreateCalls())
	assert.Equal(t, info.SandboxID, h.store.Project(projectID).SandboxID())
	assert.Equal(t, models.BuildStatusReady, h.store.Project(projectID).BuildStatus)
}

func TestCreateOrGetSandbox_UnknownTemplate(t *testing.T) {
	h := newHarness(t)
	projectID := h.newProject(models.SandboxProviderE2B)

	_, err := h.sandboxes.CreateOrGetSandbox(context.Background(), projectID, CreateSandboxOptions{Template: "rails"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, 0, h.e2b.CreateCalls())
	assert.Equal(t, models.BuildStatusError, h.store.Project(projectID).BuildStatus)
}

func TestCreateOrGetSandbox_UnreachableHandleIsNotReplaced(t *testing.T) {
	h := newHarness(t)
	projectID, _ := h.readyProject(models.SandboxProviderE2B)
	h.e2b.SetDescribeErr(&sandbox.TransientError{Op: "describe sandbox", StatusCode: 502, Err: errors.New("bad gateway")})

	_, err := h.sandboxes.CreateOrGetSandbox(context.Background(), projectID, CreateSandboxOptions{})
	assert.ErrorIs(t, err, apperrors.ErrSandboxUnavailable)
	assert.Equal(t, 1, h.e2b.CreateCalls())
}

func TestTeardownSandbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID, sandboxID := h.readyProject(models.SandboxProviderDaytona)

	require.NoError(t, h.sandboxes.TeardownSandbox(ctx, projectID))

	p := h.store.Project(projectID)
	assert.Empty(t, p.SandboxID())
	assert.Nil(t, p.SandboxURL)
	assert.Nil(t, p.GitBranch)
	assert.Equal(t, models.BuildStatusAwaitingSandbox, p.BuildStatus)
	_, ok := h.daytona.File(sandboxID, "src/App.tsx")
	assert.False(t, ok)

	// Nothing left to tear down.
	require.NoError(t, h.sandboxes.TeardownSandbox(ctx, projectID))
	assert.Equal(t, 1, h.daytona.DeleteCalls())
}

func TestTeardownSandbox_DeleteFailureStillClearsHandle(t *testing.T) {
	h := newHarness(t)
	projectID, _ := h.readyProject(models.SandboxProviderE2B)
	h.e2b.DeleteErr = errors.New("provider down")

	require.NoError(t, h.sandboxes.TeardownSandbox(context.Background(), projectID))
	assert.Empty(t, h.store.Project(projectID).SandboxID())
}
