package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-approval-service/internal/models"
)

const tenant = "tenant-1"

func seedRequest(t *testing.T, repo *MemoryRepository) *models.ApprovalRequest {
	t.Helper()
	ctx := context.Background()
	chain := &models.ApprovalChain{TenantID: tenant, Name: "PO", EntityType: "purchase_order", Version: 1, IsActive: true,
		Levels: []models.ApprovalLevel{{Sequence: 1, ApproverType: models.ApproverTypeUser, ApproverIDs: []string{"U1"}, RequiredCount: 1, SLAHours: 4}}}
	require.NoError(t, repo.CreateChain(ctx, chain))

	req := &models.ApprovalRequest{TenantID: tenant, ChainID: chain.ID, EntityType: "purchase_order", EntityID: "PO-1",
		RequesterID: "R1", Status: models.StatusPending, Priority: models.PriorityMedium, CurrentLevelSequence: 1}
	require.NoError(t, repo.CreateRequest(ctx, req))
	return req
}

func TestMemoryRepository_UpdateRequestWithLock_VersionConflict(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	ctx := context.Background()
	req := seedRequest(t, repo)

	stale, err := repo.GetRequestByID(ctx, tenant, req.ID)
	require.NoError(t, err)

	req.Priority = models.PriorityHigh
	require.NoError(t, repo.UpdateRequestWithLock(ctx, req))
	assert.Equal(t, 2, req.Version)

	stale.Priority = models.PriorityLow
	assert.ErrorIs(t, repo.UpdateRequestWithLock(ctx, stale), ErrVersionConflict)

	got, err := repo.GetRequestByID(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, got.Priority)
}

func TestMemoryRepository_GetRequestByID_TenantScoped(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	req := seedRequest(t, repo)

	_, err := repo.GetRequestByID(context.Background(), "other-tenant", req.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_WithRequestLock_TimesOut(t *testing.T) {
	repo := NewMemoryRepository(20 * time.Millisecond)
	ctx := context.Background()
	req := seedRequest(t, repo)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.WithRequestLock(ctx, tenant, req.ID, func(ApprovalRepositoryInterface, *models.ApprovalRequest) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := repo.WithRequestLock(ctx, tenant, req.ID, func(ApprovalRepositoryInterface, *models.ApprovalRequest) error {
		t.Fatal("lock should not be acquired")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)

	close(release)
	require.NoError(t, <-done)

	called := false
	require.NoError(t, repo.WithRequestLock(ctx, tenant, req.ID, func(_ ApprovalRepositoryInterface, locked *models.ApprovalRequest) error {
		called = true
		assert.Equal(t, req.ID, locked.ID)
		return nil
	}))
	assert.True(t, called)
}

func TestMemoryRepository_FindBreachedRequests_Watermark(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	ctx := context.Background()
	req := seedRequest(t, repo)

	opened := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	deadline := opened.Add(4 * time.Hour)
	req.LevelOpenedAt = &opened
	req.Deadline = &deadline
	require.NoError(t, repo.UpdateRequestWithLock(ctx, req))

	found, err := repo.FindBreachedRequests(ctx, deadline.Add(-time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = repo.FindBreachedRequests(ctx, deadline, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)

	escalated := deadline.Add(time.Minute)
	req.EscalatedAt = &escalated
	require.NoError(t, repo.UpdateRequestWithLock(ctx, req))

	found, err = repo.FindBreachedRequests(ctx, deadline.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestMemoryRepository_AppendHistory_PositionIsUnique(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	ctx := context.Background()
	req := seedRequest(t, repo)

	first := &models.ApprovalHistory{RequestID: req.ID, TenantID: tenant, Position: 1, LevelSequence: 1, ApproverID: "U1", Action: models.ActionApproved}
	require.NoError(t, repo.AppendHistory(ctx, first))

	dup := &models.ApprovalHistory{RequestID: req.ID, TenantID: tenant, Position: 1, LevelSequence: 1, ApproverID: "U2", Action: models.ActionApproved}
	assert.ErrorIs(t, repo.AppendHistory(ctx, dup), ErrDuplicate)

	history, err := repo.GetHistory(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "U1", history[0].ApproverID)
}

func TestMemoryRepository_Tasks(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	ctx := context.Background()
	req := seedRequest(t, repo)

	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	deadline := now.Add(4 * time.Hour)
	tasks := []models.UserTask{
		{TenantID: tenant, RequestID: req.ID, LevelSequence: 1, UserID: "U1", TaskType: models.TaskTypeApproval, Status: models.TaskStatusPending, SLAStatus: models.SLAOnTime, Deadline: &deadline},
		{TenantID: tenant, RequestID: req.ID, LevelSequence: 1, UserID: "U2", TaskType: models.TaskTypeApproval, Status: models.TaskStatusPending, SLAStatus: models.SLAOnTime, Deadline: &deadline},
	}
	require.NoError(t, repo.CreateTasks(ctx, tasks))

	dup := []models.UserTask{{TenantID: tenant, RequestID: req.ID, LevelSequence: 1, UserID: "U1", Status: models.TaskStatusPending}}
	assert.ErrorIs(t, repo.CreateTasks(ctx, dup), ErrDuplicate)

	n, err := repo.RefreshSLAStatuses(ctx, now.Add(time.Hour), 4*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	open, err := repo.ListOpenTasksForUser(ctx, tenant, "U1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.SLAApproaching, open[0].SLAStatus)

	n, err = repo.CloseTasks(ctx, req.ID, 1, []string{"U1"}, models.TaskStatusCompleted, models.ResolutionApproved, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.CloseTasks(ctx, req.ID, 1, nil, models.TaskStatusCompleted, models.ResolutionLevelResolved, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := repo.ListTasksForRequest(ctx, req.ID, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, task := range all {
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
	}
	assert.Equal(t, models.ResolutionApproved, all[0].Resolution)
	assert.Equal(t, models.ResolutionLevelResolved, all[1].Resolution)
}

func TestMemoryRepository_Delegations(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	ctx := context.Background()
	chainID := uuid.New()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)

	global := &models.ApprovalDelegation{TenantID: tenant, DelegatorID: "U1", DelegateID: "U5", StartDate: start, EndDate: end, IsActive: true}
	scoped := &models.ApprovalDelegation{TenantID: tenant, DelegatorID: "U1", DelegateID: "U6", ChainID: &chainID, StartDate: start, EndDate: end, IsActive: true}
	require.NoError(t, repo.CreateDelegation(ctx, global))
	require.NoError(t, repo.CreateDelegation(ctx, scoped))

	active, err := repo.FindActiveDelegationsForDelegators(ctx, tenant, []string{"U1"}, chainID, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "U6", active[0].DelegateID)

	active, err = repo.FindActiveDelegationsForDelegators(ctx, tenant, []string{"U1"}, uuid.New(), start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "U5", active[0].DelegateID)

	overlap, err := repo.CheckOverlappingDelegation(ctx, tenant, "U1", nil, start.Add(24*time.Hour), end.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, overlap)

	require.NoError(t, repo.RevokeDelegation(ctx, tenant, global.ID, "U1", "back early", start.Add(2*time.Hour)))
	assert.ErrorIs(t, repo.RevokeDelegation(ctx, tenant, global.ID, "U1", "again", start.Add(3*time.Hour)), ErrNotFound)

	active, err = repo.FindActiveDelegationsForDelegators(ctx, tenant, []string{"U1"}, uuid.New(), start.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryRepository_ChainsAndMemberships(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	ctx := context.Background()

	for v := 1; v <= 2; v++ {
		require.NoError(t, repo.CreateChain(ctx, &models.ApprovalChain{TenantID: tenant, Name: "BOM", EntityType: "bom", Version: v, IsActive: true}))
	}
	latest, err := repo.LatestChainVersion(ctx, tenant, "bom")
	require.NoError(t, err)
	assert.Equal(t, 2, latest)

	active, err := repo.GetActiveChain(ctx, tenant, "bom")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	n, err := repo.DeactivateChains(ctx, tenant, "bom")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, err = repo.GetActiveChain(ctx, tenant, "bom")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.ReplaceMemberships(ctx, tenant, models.ApproverTypeRole, "finance_manager", []string{"U2", "U1", "U2"}))
	users, err := repo.ListMemberUsers(ctx, tenant, models.ApproverTypeRole, "finance_manager")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "U2"}, users)

	require.NoError(t, repo.ReplaceMemberships(ctx, tenant, models.ApproverTypeRole, "finance_manager", []string{"U3"}))
	users, err = repo.ListMemberUsers(ctx, tenant, models.ApproverTypeRole, "finance_manager")
	require.NoError(t, err)
	assert.Equal(t, []string{"U3"}, users)
}
