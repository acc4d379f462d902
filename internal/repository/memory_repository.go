package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"

	"erp-approval-service/internal/models"
)

// MemoryRepository is an in-process ApprovalRepositoryInterface used by tests
// and by STORAGE_DRIVER=memory. Request locks are per-request mutexes with a
// bounded wait. Writes are not rolled back when a transaction callback fails.
type MemoryRepository struct {
	mu          sync.RWMutex
	lockTimeout time.Duration

	chains      map[uuid.UUID]models.ApprovalChain
	requests    map[uuid.UUID]models.ApprovalRequest
	history     map[uuid.UUID][]models.ApprovalHistory
	tasks       []models.UserTask
	memberships []models.ApproverMembership
	delegations map[uuid.UUID]models.ApprovalDelegation

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	return &MemoryRepository{
		lockTimeout: lockTimeout,
		chains:      make(map[uuid.UUID]models.ApprovalChain),
		requests:    make(map[uuid.UUID]models.ApprovalRequest),
		history:     make(map[uuid.UUID][]models.ApprovalHistory),
		delegations: make(map[uuid.UUID]models.ApprovalDelegation),
		locks:       make(map[uuid.UUID]*sync.Mutex),
	}
}

// --- copies ---

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyJSON(raw datatypes.JSON) datatypes.JSON {
	if raw == nil {
		return nil
	}
	return append(datatypes.JSON(nil), raw...)
}

func copyStrings(in pq.StringArray) pq.StringArray {
	if in == nil {
		return nil
	}
	return append(pq.StringArray(nil), in...)
}

func cloneChain(c models.ApprovalChain) models.ApprovalChain {
	levels := make([]models.ApprovalLevel, len(c.Levels))
	for i, l := range c.Levels {
		l.ApproverIDs = copyStrings(l.ApproverIDs)
		l.Condition = copyJSON(l.Condition)
		l.EscalationRules = copyJSON(l.EscalationRules)
		levels[i] = l
	}
	c.Levels = levels
	return c
}

func cloneRequest(r models.ApprovalRequest) models.ApprovalRequest {
	r.Metadata = copyJSON(r.Metadata)
	r.Warnings = copyStrings(r.Warnings)
	r.Deadline = copyTime(r.Deadline)
	r.LevelOpenedAt = copyTime(r.LevelOpenedAt)
	r.EscalatedAt = copyTime(r.EscalatedAt)
	r.CompletedAt = copyTime(r.CompletedAt)
	r.Chain = nil
	r.History = nil
	r.Tasks = nil
	return r
}

func cloneTask(t models.UserTask) models.UserTask {
	t.Deadline = copyTime(t.Deadline)
	t.CompletedAt = copyTime(t.CompletedAt)
	return t
}

func cloneDelegation(d models.ApprovalDelegation) models.ApprovalDelegation {
	if d.ChainID != nil {
		id := *d.ChainID
		d.ChainID = &id
	}
	d.RevokedAt = copyTime(d.RevokedAt)
	return d
}

// --- Chain Methods ---

func (m *MemoryRepository) CreateChain(_ context.Context, chain *models.ApprovalChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chain.ID == uuid.Nil {
		chain.ID = uuid.New()
	}
	if _, exists := m.chains[chain.ID]; exists {
		return fmt.Errorf("%w: chain %s", ErrDuplicate, chain.ID)
	}
	now := time.Now()
	if chain.CreatedAt.IsZero() {
		chain.CreatedAt = now
	}
	chain.UpdatedAt = now
	for i := range chain.Levels {
		if chain.Levels[i].ID == uuid.Nil {
			chain.Levels[i].ID = uuid.New()
		}
		chain.Levels[i].ChainID = chain.ID
	}
	m.chains[chain.ID] = cloneChain(*chain)
	return nil
}

func (m *MemoryRepository) GetChainByID(_ context.Context, tenantID string, id uuid.UUID) (*models.ApprovalChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain, ok := m.chains[id]
	if !ok || chain.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := cloneChain(chain)
	out.Levels = out.SortedLevels()
	return &out, nil
}

func (m *MemoryRepository) GetActiveChain(ctx context.Context, tenantID, entityType string) (*models.ApprovalChain, error) {
	chains, err := m.ListChains(ctx, tenantID, entityType, true)
	if err != nil {
		return nil, err
	}
	if len(chains) == 0 {
		return nil, ErrNotFound
	}
	return &chains[0], nil
}

func (m *MemoryRepository) ListChains(_ context.Context, tenantID, entityType string, activeOnly bool) ([]models.ApprovalChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.ApprovalChain
	for _, chain := range m.chains {
		if chain.TenantID != tenantID {
			continue
		}
		if entityType != "" && chain.EntityType != entityType {
			continue
		}
		if activeOnly && !chain.IsActive {
			continue
		}
		out := cloneChain(chain)
		out.Levels = out.SortedLevels()
		result = append(result, out)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EntityType != result[j].EntityType {
			return result[i].EntityType < result[j].EntityType
		}
		return result[i].Version > result[j].Version
	})
	return result, nil
}

func (m *MemoryRepository) LatestChainVersion(_ context.Context, tenantID, entityType string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := 0
	for _, chain := range m.chains {
		if chain.TenantID == tenantID && chain.EntityType == entityType && chain.Version > latest {
			latest = chain.Version
		}
	}
	return latest, nil
}

func (m *MemoryRepository) DeactivateChains(_ context.Context, tenantID, entityType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, chain := range m.chains {
		if chain.TenantID == tenantID && chain.EntityType == entityType && chain.IsActive {
			chain.IsActive = false
			chain.UpdatedAt = time.Now()
			m.chains[id] = chain
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) DeactivateChain(_ context.Context, tenantID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[id]
	if !ok || chain.TenantID != tenantID {
		return ErrNotFound
	}
	chain.IsActive = false
	chain.UpdatedAt = time.Now()
	m.chains[id] = chain
	return nil
}

// --- Request Methods ---

func (m *MemoryRepository) CreateRequest(_ context.Context, request *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	if _, exists := m.requests[request.ID]; exists {
		return fmt.Errorf("%w: request %s", ErrDuplicate, request.ID)
	}
	if _, ok := m.chains[request.ChainID]; !ok {
		return fmt.Errorf("chain %s does not exist", request.ChainID)
	}
	if request.Version == 0 {
		request.Version = 1
	}
	now := time.Now()
	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}
	request.UpdatedAt = now
	m.requests[request.ID] = cloneRequest(*request)
	return nil
}

func (m *MemoryRepository) GetRequestByID(_ context.Context, tenantID string, id uuid.UUID) (*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	request, ok := m.requests[id]
	if !ok || request.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := cloneRequest(request)
	return &out, nil
}

func (m *MemoryRepository) UpdateRequestWithLock(_ context.Context, request *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.requests[request.ID]
	if !ok || existing.Version != request.Version {
		return ErrVersionConflict
	}

	updated := cloneRequest(*request)
	// Identity and payload are immutable.
	updated.TenantID = existing.TenantID
	updated.ChainID = existing.ChainID
	updated.EntityType = existing.EntityType
	updated.EntityID = existing.EntityID
	updated.RequesterID = existing.RequesterID
	updated.Metadata = existing.Metadata
	updated.CreatedAt = existing.CreatedAt
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now()
	m.requests[request.ID] = updated

	request.Version = updated.Version
	request.UpdatedAt = updated.UpdatedAt
	return nil
}

func (m *MemoryRepository) ListRequests(_ context.Context, tenantID string, filter RequestFilter) ([]models.ApprovalRequest, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.ApprovalRequest
	for _, request := range m.requests {
		if request.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && filter.Status != "all" && request.Status != filter.Status {
			continue
		}
		if filter.EntityType != "" && request.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && request.EntityID != filter.EntityID {
			continue
		}
		if filter.RequesterID != "" && request.RequesterID != filter.RequesterID {
			continue
		}
		result = append(result, cloneRequest(request))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})

	total := int64(len(result))
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []models.ApprovalRequest{}, total, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, total, nil
}

func (m *MemoryRepository) GetRequestStats(_ context.Context, tenantID string, now time.Time) (*RequestStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &RequestStats{ByStatus: map[string]int64{}, PendingByPriority: map[string]int64{}}
	for _, request := range m.requests {
		if request.TenantID != tenantID {
			continue
		}
		stats.Total++
		stats.ByStatus[request.Status]++
		if request.Status == models.StatusPending {
			stats.PendingByPriority[request.Priority]++
			if request.Deadline != nil && !request.Deadline.After(now) {
				stats.Breached++
			}
		}
	}
	return stats, nil
}

func (m *MemoryRepository) FindBreachedRequests(_ context.Context, now time.Time, limit int) ([]models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.ApprovalRequest
	for _, request := range m.requests {
		if request.Status != models.StatusPending || request.Deadline == nil || request.Deadline.After(now) {
			continue
		}
		if request.EscalatedThisLevel() {
			continue
		}
		result = append(result, cloneRequest(request))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Deadline.Before(*result[j].Deadline)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// --- History Methods ---

func (m *MemoryRepository) AppendHistory(_ context.Context, entry *models.ApprovalHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.history[entry.RequestID] {
		if existing.Position == entry.Position {
			return fmt.Errorf("%w: history position %d", ErrDuplicate, entry.Position)
		}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.history[entry.RequestID] = append(m.history[entry.RequestID], *entry)
	return nil
}

func (m *MemoryRepository) GetHistory(_ context.Context, requestID uuid.UUID) ([]models.ApprovalHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[requestID]
	result := make([]models.ApprovalHistory, len(entries))
	copy(result, entries)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Position < result[j].Position
	})
	return result, nil
}

// --- Task Methods ---

func (m *MemoryRepository) CreateTasks(_ context.Context, tasks []models.UserTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		request uuid.UUID
		level   int
		user    string
	}
	open := map[key]bool{}
	for _, t := range m.tasks {
		if t.IsOpen() {
			open[key{t.RequestID, t.LevelSequence, t.UserID}] = true
		}
	}
	for _, t := range tasks {
		k := key{t.RequestID, t.LevelSequence, t.UserID}
		if t.Status == models.TaskStatusPending && open[k] {
			return fmt.Errorf("%w: open task for %s at level %d", ErrDuplicate, t.UserID, t.LevelSequence)
		}
		open[k] = true
	}

	now := time.Now()
	for i := range tasks {
		if tasks[i].ID == uuid.Nil {
			tasks[i].ID = uuid.New()
		}
		if tasks[i].CreatedAt.IsZero() {
			tasks[i].CreatedAt = now
		}
		tasks[i].UpdatedAt = now
		m.tasks = append(m.tasks, cloneTask(tasks[i]))
	}
	return nil
}

func (m *MemoryRepository) ListTasksForRequest(_ context.Context, requestID uuid.UUID, openOnly bool) ([]models.UserTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.UserTask
	for _, t := range m.tasks {
		if t.RequestID != requestID || (openOnly && !t.IsOpen()) {
			continue
		}
		result = append(result, cloneTask(t))
	}
	return result, nil
}

func (m *MemoryRepository) ListOpenTasksForUser(_ context.Context, tenantID, userID string) ([]models.UserTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.UserTask
	for _, t := range m.tasks {
		if t.TenantID == tenantID && t.UserID == userID && t.IsOpen() {
			result = append(result, cloneTask(t))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i].Deadline, result[j].Deadline
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	return result, nil
}

func (m *MemoryRepository) CloseTasks(_ context.Context, requestID uuid.UUID, levelSequence int, userIDs []string, status, resolution string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var users map[string]bool
	if userIDs != nil {
		users = make(map[string]bool, len(userIDs))
		for _, id := range userIDs {
			users[id] = true
		}
	}

	var n int64
	for i := range m.tasks {
		t := &m.tasks[i]
		if t.RequestID != requestID || t.LevelSequence != levelSequence || !t.IsOpen() {
			continue
		}
		if users != nil && !users[t.UserID] {
			continue
		}
		t.Close(status, resolution, at)
		t.UpdatedAt = at
		n++
	}
	return n, nil
}

func (m *MemoryRepository) MarkTasksBreached(_ context.Context, requestID uuid.UUID, levelSequence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for i := range m.tasks {
		t := &m.tasks[i]
		if t.RequestID == requestID && t.LevelSequence == levelSequence && t.IsOpen() {
			t.SLAStatus = models.SLABreached
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) RefreshSLAStatuses(_ context.Context, now time.Time, warning time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for i := range m.tasks {
		t := &m.tasks[i]
		if !t.IsOpen() || t.Deadline == nil {
			continue
		}
		band := models.SLAOnTime
		switch {
		case !t.Deadline.After(now):
			band = models.SLABreached
		case !t.Deadline.After(now.Add(warning)):
			band = models.SLAApproaching
		}
		if t.SLAStatus != band {
			t.SLAStatus = band
			n++
		}
	}
	return n, nil
}

// --- Directory Methods ---

func (m *MemoryRepository) ListMemberUsers(_ context.Context, tenantID, approverType, approverKey string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var users []string
	for _, ms := range m.memberships {
		if ms.TenantID == tenantID && ms.ApproverType == approverType && ms.ApproverKey == approverKey {
			users = append(users, ms.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (m *MemoryRepository) ReplaceMemberships(_ context.Context, tenantID, approverType, approverKey string, userIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.memberships[:0]
	for _, ms := range m.memberships {
		if ms.TenantID == tenantID && ms.ApproverType == approverType && ms.ApproverKey == approverKey {
			continue
		}
		kept = append(kept, ms)
	}
	m.memberships = kept

	seen := map[string]bool{}
	for _, userID := range userIDs {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		m.memberships = append(m.memberships, models.ApproverMembership{
			ID:           uuid.New(),
			TenantID:     tenantID,
			ApproverType: approverType,
			ApproverKey:  approverKey,
			UserID:       userID,
			CreatedAt:    time.Now(),
		})
	}
	return nil
}

// --- Delegation Methods ---

func (m *MemoryRepository) CreateDelegation(_ context.Context, delegation *models.ApprovalDelegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delegation.ID == uuid.Nil {
		delegation.ID = uuid.New()
	}
	now := time.Now()
	if delegation.CreatedAt.IsZero() {
		delegation.CreatedAt = now
	}
	delegation.UpdatedAt = now
	m.delegations[delegation.ID] = cloneDelegation(*delegation)
	return nil
}

func (m *MemoryRepository) GetDelegationByID(_ context.Context, tenantID string, id uuid.UUID) (*models.ApprovalDelegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.delegations[id]
	if !ok || d.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := cloneDelegation(d)
	return &out, nil
}

func (m *MemoryRepository) ListDelegations(_ context.Context, tenantID string, filter DelegationFilter, now time.Time) ([]models.ApprovalDelegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.ApprovalDelegation
	for _, d := range m.delegations {
		if d.TenantID != tenantID {
			continue
		}
		if filter.DelegatorID != "" && d.DelegatorID != filter.DelegatorID {
			continue
		}
		if filter.DelegateID != "" && d.DelegateID != filter.DelegateID {
			continue
		}
		if !filter.IncludeExpired && (!d.IsActive || !d.EndDate.After(now)) {
			continue
		}
		result = append(result, cloneDelegation(d))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryRepository) FindActiveDelegationsForDelegators(_ context.Context, tenantID string, delegatorIDs []string, chainID uuid.UUID, at time.Time) ([]models.ApprovalDelegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(delegatorIDs))
	for _, id := range delegatorIDs {
		wanted[id] = true
	}
	var result []models.ApprovalDelegation
	for _, d := range m.delegations {
		if d.TenantID == tenantID && wanted[d.DelegatorID] && d.IsValidAt(at) && d.AppliesToChain(chainID) {
			result = append(result, cloneDelegation(d))
		}
	}
	// Chain-scoped delegations take precedence over tenant-wide ones.
	sort.Slice(result, func(i, j int) bool {
		if (result[i].ChainID == nil) != (result[j].ChainID == nil) {
			return result[i].ChainID != nil
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryRepository) RevokeDelegation(_ context.Context, tenantID string, id uuid.UUID, revokedBy, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.delegations[id]
	if !ok || d.TenantID != tenantID || !d.IsActive {
		return ErrNotFound
	}
	d.IsActive = false
	d.RevokedAt = &at
	d.RevokedBy = revokedBy
	d.RevokeReason = reason
	d.UpdatedAt = at
	m.delegations[id] = d
	return nil
}

func (m *MemoryRepository) CheckOverlappingDelegation(_ context.Context, tenantID, delegatorID string, chainID *uuid.UUID, startDate, endDate time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.delegations {
		if d.TenantID != tenantID || d.DelegatorID != delegatorID || !d.IsActive || d.RevokedAt != nil {
			continue
		}
		sameScope := (chainID == nil && d.ChainID == nil) || (chainID != nil && d.ChainID != nil && *chainID == *d.ChainID)
		if sameScope && d.StartDate.Before(endDate) && d.EndDate.After(startDate) {
			return true, nil
		}
	}
	return false, nil
}

// --- Transactions ---

func (m *MemoryRepository) WithTransaction(_ context.Context, fn func(txRepo ApprovalRepositoryInterface) error) error {
	return fn(m)
}

func (m *MemoryRepository) requestLock(id uuid.UUID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// acquire polls the request mutex until it is free, the lock timeout passes
// or ctx is done.
func (m *MemoryRepository) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	lock := m.requestLock(id)
	var deadline time.Time
	if m.lockTimeout > 0 {
		deadline = time.Now().Add(m.lockTimeout)
	}
	for {
		if lock.TryLock() {
			return lock.Unlock, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *MemoryRepository) WithRequestLock(ctx context.Context, tenantID string, id uuid.UUID, fn func(txRepo ApprovalRepositoryInterface, request *models.ApprovalRequest) error) error {
	unlock, err := m.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	request, err := m.GetRequestByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return fn(m, request)
}

var _ ApprovalRepositoryInterface = (*MemoryRepository)(nil)
