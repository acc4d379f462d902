package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"erp-approval-service/internal/models"
)

// Postgres error codes that mean "lost a lock race".
const (
	pgLockNotAvailable  = "55P03"
	pgDeadlockDetected  = "40P01"
	pgSerializationFail = "40001"
	pgUniqueViolation   = "23505"
)

// ApprovalRepository handles database operations for approvals
type ApprovalRepository struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// NewApprovalRepository creates a new ApprovalRepository. lockTimeout bounds
// how long WithRequestLock waits for a row lock; zero means the server default.
func NewApprovalRepository(db *gorm.DB, lockTimeout time.Duration) *ApprovalRepository {
	return &ApprovalRepository{db: db, lockTimeout: lockTimeout}
}

// translateError maps driver errors onto repository errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFail:
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return err
}

// --- Chain Methods ---

// CreateChain inserts a chain together with its levels.
func (r *ApprovalRepository) CreateChain(ctx context.Context, chain *models.ApprovalChain) error {
	return translateError(r.db.WithContext(ctx).Create(chain).Error)
}

// GetChainByID retrieves a chain and its levels.
func (r *ApprovalRepository) GetChainByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.ApprovalChain, error) {
	var chain models.ApprovalChain
	err := r.db.WithContext(ctx).
		Preload("Levels", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&chain).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &chain, nil
}

// GetActiveChain returns the active chain for an entity type. When several are
// active the newest version wins.
func (r *ApprovalRepository) GetActiveChain(ctx context.Context, tenantID, entityType string) (*models.ApprovalChain, error) {
	var chain models.ApprovalChain
	err := r.db.WithContext(ctx).
		Preload("Levels", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Where("tenant_id = ? AND entity_type = ? AND is_active = ?", tenantID, entityType, true).
		Order("version DESC, created_at DESC").
		First(&chain).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &chain, nil
}

// ListChains lists a tenant's chains, newest first.
func (r *ApprovalRepository) ListChains(ctx context.Context, tenantID, entityType string, activeOnly bool) ([]models.ApprovalChain, error) {
	var chains []models.ApprovalChain
	query := r.db.WithContext(ctx).
		Preload("Levels", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Where("tenant_id = ?", tenantID)
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	err := query.Order("entity_type ASC, version DESC").Find(&chains).Error
	return chains, translateError(err)
}

// LatestChainVersion returns the highest version defined for an entity type, or 0.
func (r *ApprovalRepository) LatestChainVersion(ctx context.Context, tenantID, entityType string) (int, error) {
	var version sql.NullInt64
	err := r.db.WithContext(ctx).Model(&models.ApprovalChain{}).
		Where("tenant_id = ? AND entity_type = ?", tenantID, entityType).
		Select("MAX(version)").
		Row().Scan(&version)
	if err != nil {
		return 0, translateError(err)
	}
	return int(version.Int64), nil
}

// DeactivateChains deactivates every active chain of an entity type.
func (r *ApprovalRepository) DeactivateChains(ctx context.Context, tenantID, entityType string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.ApprovalChain{}).
		Where("tenant_id = ? AND entity_type = ? AND is_active = ?", tenantID, entityType, true).
		Updates(map[string]interface{}{"is_active": false, "updated_at": time.Now()})
	return result.RowsAffected, translateError(result.Error)
}

// DeactivateChain deactivates a single chain.
func (r *ApprovalRepository) DeactivateChain(ctx context.Context, tenantID string, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&models.ApprovalChain{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(map[string]interface{}{"is_active": false, "updated_at": time.Now()})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Request Methods ---

// CreateRequest creates a new approval request
func (r *ApprovalRepository) CreateRequest(ctx context.Context, request *models.ApprovalRequest) error {
	return translateError(r.db.WithContext(ctx).Omit(clause.Associations).Create(request).Error)
}

// GetRequestByID retrieves a request by ID
func (r *ApprovalRepository) GetRequestByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.ApprovalRequest, error) {
	var request models.ApprovalRequest
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&request).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &request, nil
}

// UpdateRequestWithLock writes the request's mutable fields if its version is
// unchanged, then bumps the version.
func (r *ApprovalRepository) UpdateRequestWithLock(ctx context.Context, request *models.ApprovalRequest) error {
	oldVersion := request.Version
	now := time.Now()

	result := r.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("id = ? AND version = ?", request.ID, oldVersion).
		Updates(map[string]interface{}{
			"status":                 request.Status,
			"priority":               request.Priority,
			"version":                oldVersion + 1,
			"current_level_sequence": request.CurrentLevelSequence,
			"deadline":               request.Deadline,
			"level_opened_at":        request.LevelOpenedAt,
			"escalated_at":           request.EscalatedAt,
			"escalation_count":       request.EscalationCount,
			"warnings":               request.Warnings,
			"completed_at":           request.CompletedAt,
			"updated_at":             now,
		})

	if result.Error != nil {
		return translateError(result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}

	request.Version = oldVersion + 1
	request.UpdatedAt = now
	return nil
}

// ListRequests lists a tenant's requests, newest first.
func (r *ApprovalRepository) ListRequests(ctx context.Context, tenantID string, filter RequestFilter) ([]models.ApprovalRequest, int64, error) {
	var requests []models.ApprovalRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("tenant_id = ?", tenantID)

	// Apply status filter if provided (not empty and not "all")
	if filter.Status != "" && filter.Status != "all" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if filter.RequesterID != "" {
		query = query.Where("requester_id = ?", filter.RequesterID)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, translateError(err)
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	err := query.
		Order("created_at DESC").
		Offset(filter.Offset).
		Find(&requests).Error

	return requests, total, translateError(err)
}

type countRow struct {
	Name  string
	Count int64
}

// GetRequestStats counts a tenant's requests by status, pending requests by
// priority, and pending requests past their deadline.
func (r *ApprovalRepository) GetRequestStats(ctx context.Context, tenantID string, now time.Time) (*RequestStats, error) {
	stats := &RequestStats{ByStatus: map[string]int64{}, PendingByPriority: map[string]int64{}}
	db := r.db.WithContext(ctx)

	var byStatus []countRow
	if err := db.Model(&models.ApprovalRequest{}).
		Select("status AS name, COUNT(*) AS count").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return nil, translateError(err)
	}
	for _, row := range byStatus {
		stats.ByStatus[row.Name] = row.Count
		stats.Total += row.Count
	}

	var byPriority []countRow
	if err := db.Model(&models.ApprovalRequest{}).
		Select("priority AS name, COUNT(*) AS count").
		Where("tenant_id = ? AND status = ?", tenantID, models.StatusPending).
		Group("priority").
		Scan(&byPriority).Error; err != nil {
		return nil, translateError(err)
	}
	for _, row := range byPriority {
		stats.PendingByPriority[row.Name] = row.Count
	}

	if err := db.Model(&models.ApprovalRequest{}).
		Where("tenant_id = ? AND status = ? AND deadline <= ?", tenantID, models.StatusPending, now).
		Count(&stats.Breached).Error; err != nil {
		return nil, translateError(err)
	}
	return stats, nil
}

// FindBreachedRequests returns pending requests, across tenants, whose open
// level passed its deadline and has not been escalated since it opened.
func (r *ApprovalRepository) FindBreachedRequests(ctx context.Context, now time.Time, limit int) ([]models.ApprovalRequest, error) {
	var requests []models.ApprovalRequest
	query := r.db.WithContext(ctx).
		Where("status = ? AND deadline <= ?", models.StatusPending, now).
		Where("(escalated_at IS NULL OR escalated_at < level_opened_at)").
		Order("deadline ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&requests).Error
	return requests, translateError(err)
}

// --- History Methods ---

// AppendHistory inserts a ledger entry. The (request_id, position) unique
// index rejects a second writer racing for the same position.
func (r *ApprovalRepository) AppendHistory(ctx context.Context, entry *models.ApprovalHistory) error {
	return translateError(r.db.WithContext(ctx).Create(entry).Error)
}

// GetHistory returns a request's ledger in append order.
func (r *ApprovalRepository) GetHistory(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalHistory, error) {
	var history []models.ApprovalHistory
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("position ASC").
		Find(&history).Error
	return history, translateError(err)
}

// --- Task Methods ---

// CreateTasks inserts tasks in one statement.
func (r *ApprovalRepository) CreateTasks(ctx context.Context, tasks []models.UserTask) error {
	if len(tasks) == 0 {
		return nil
	}
	return translateError(r.db.WithContext(ctx).Create(&tasks).Error)
}

// ListTasksForRequest lists a request's tasks in creation order.
func (r *ApprovalRepository) ListTasksForRequest(ctx context.Context, requestID uuid.UUID, openOnly bool) ([]models.UserTask, error) {
	var tasks []models.UserTask
	query := r.db.WithContext(ctx).Where("request_id = ?", requestID)
	if openOnly {
		query = query.Where("status = ?", models.TaskStatusPending)
	}
	err := query.Order("created_at ASC, user_id ASC").Find(&tasks).Error
	return tasks, translateError(err)
}

// ListOpenTasksForUser lists a user's pending tasks, most urgent first.
func (r *ApprovalRepository) ListOpenTasksForUser(ctx context.Context, tenantID, userID string) ([]models.UserTask, error) {
	var tasks []models.UserTask
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ? AND status = ?", tenantID, userID, models.TaskStatusPending).
		Order("deadline ASC NULLS LAST, created_at ASC").
		Find(&tasks).Error
	return tasks, translateError(err)
}

// CloseTasks closes the pending tasks of a level. A nil userIDs closes all of them.
func (r *ApprovalRepository) CloseTasks(ctx context.Context, requestID uuid.UUID, levelSequence int, userIDs []string, status, resolution string, at time.Time) (int64, error) {
	query := r.db.WithContext(ctx).Model(&models.UserTask{}).
		Where("request_id = ? AND level_sequence = ? AND status = ?", requestID, levelSequence, models.TaskStatusPending)
	if userIDs != nil {
		if len(userIDs) == 0 {
			return 0, nil
		}
		query = query.Where("user_id IN ?", userIDs)
	}
	result := query.Updates(map[string]interface{}{
		"status":       status,
		"resolution":   resolution,
		"completed_at": at,
		"updated_at":   at,
	})
	return result.RowsAffected, translateError(result.Error)
}

// MarkTasksBreached flags the pending tasks of a level as breached.
func (r *ApprovalRepository) MarkTasksBreached(ctx context.Context, requestID uuid.UUID, levelSequence int) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.UserTask{}).
		Where("request_id = ? AND level_sequence = ? AND status = ?", requestID, levelSequence, models.TaskStatusPending).
		Update("sla_status", models.SLABreached)
	return result.RowsAffected, translateError(result.Error)
}

// RefreshSLAStatuses recomputes the SLA band of every pending task with a deadline.
func (r *ApprovalRepository) RefreshSLAStatuses(ctx context.Context, now time.Time, warning time.Duration) (int64, error) {
	approaching := now.Add(warning)
	result := r.db.WithContext(ctx).Model(&models.UserTask{}).
		Where("status = ? AND deadline IS NOT NULL", models.TaskStatusPending).
		Where(`sla_status <> CASE WHEN deadline <= ? THEN ? WHEN deadline <= ? THEN ? ELSE ? END`,
			now, models.SLABreached, approaching, models.SLAApproaching, models.SLAOnTime).
		Update("sla_status", gorm.Expr(`CASE WHEN deadline <= ? THEN ? WHEN deadline <= ? THEN ? ELSE ? END`,
			now, models.SLABreached, approaching, models.SLAApproaching, models.SLAOnTime))
	return result.RowsAffected, translateError(result.Error)
}

// --- Directory Methods ---

// ListMemberUsers returns the users holding a role or position.
func (r *ApprovalRepository) ListMemberUsers(ctx context.Context, tenantID, approverType, approverKey string) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).Model(&models.ApproverMembership{}).
		Where("tenant_id = ? AND approver_type = ? AND approver_key = ?", tenantID, approverType, approverKey).
		Order("user_id ASC").
		Pluck("user_id", &users).Error
	return users, translateError(err)
}

// ReplaceMemberships sets the full member list of a role or position.
func (r *ApprovalRepository) ReplaceMemberships(ctx context.Context, tenantID, approverType, approverKey string, userIDs []string) error {
	return translateError(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ? AND approver_type = ? AND approver_key = ?", tenantID, approverType, approverKey).
			Delete(&models.ApproverMembership{}).Error; err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}
		rows := make([]models.ApproverMembership, 0, len(userIDs))
		for _, userID := range userIDs {
			rows = append(rows, models.ApproverMembership{
				ID:           uuid.New(),
				TenantID:     tenantID,
				ApproverType: approverType,
				ApproverKey:  approverKey,
				UserID:       userID,
			})
		}
		return tx.Create(&rows).Error
	}))
}

// --- Delegation Methods ---

// CreateDelegation creates a new delegation record
func (r *ApprovalRepository) CreateDelegation(ctx context.Context, delegation *models.ApprovalDelegation) error {
	return translateError(r.db.WithContext(ctx).Create(delegation).Error)
}

// GetDelegationByID retrieves a delegation by ID
func (r *ApprovalRepository) GetDelegationByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.ApprovalDelegation, error) {
	var delegation models.ApprovalDelegation
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&delegation).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &delegation, nil
}

// ListDelegations lists delegations given or received by a user.
func (r *ApprovalRepository) ListDelegations(ctx context.Context, tenantID string, filter DelegationFilter, now time.Time) ([]models.ApprovalDelegation, error) {
	var delegations []models.ApprovalDelegation

	query := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.DelegatorID != "" {
		query = query.Where("delegator_id = ?", filter.DelegatorID)
	}
	if filter.DelegateID != "" {
		query = query.Where("delegate_id = ?", filter.DelegateID)
	}
	if !filter.IncludeExpired {
		query = query.Where("is_active = ? AND end_date > ?", true, now)
	}

	err := query.Order("created_at DESC").Find(&delegations).Error
	return delegations, translateError(err)
}

// FindActiveDelegationsForDelegators returns delegations in force at the given
// time for any of the delegators, scoped to the chain or to all chains.
func (r *ApprovalRepository) FindActiveDelegationsForDelegators(ctx context.Context, tenantID string, delegatorIDs []string, chainID uuid.UUID, at time.Time) ([]models.ApprovalDelegation, error) {
	if len(delegatorIDs) == 0 {
		return nil, nil
	}
	var delegations []models.ApprovalDelegation
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND delegator_id IN ? AND is_active = ?", tenantID, delegatorIDs, true).
		Where("start_date <= ? AND end_date > ?", at, at).
		Where("revoked_at IS NULL").
		Where("(chain_id = ? OR chain_id IS NULL)", chainID).
		Order("chain_id NULLS LAST, created_at DESC").
		Find(&delegations).Error
	return delegations, translateError(err)
}

// RevokeDelegation revokes an existing delegation
func (r *ApprovalRepository) RevokeDelegation(ctx context.Context, tenantID string, id uuid.UUID, revokedBy, reason string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.ApprovalDelegation{}).
		Where("id = ? AND tenant_id = ? AND is_active = ?", id, tenantID, true).
		Updates(map[string]interface{}{
			"is_active":     false,
			"revoked_at":    at,
			"revoked_by":    revokedBy,
			"revoke_reason": reason,
			"updated_at":    at,
		})

	if result.Error != nil {
		return translateError(result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// CheckOverlappingDelegation reports whether the delegator already has a live
// delegation with the same scope overlapping the window.
func (r *ApprovalRepository) CheckOverlappingDelegation(ctx context.Context, tenantID, delegatorID string, chainID *uuid.UUID, startDate, endDate time.Time) (bool, error) {
	var count int64

	query := r.db.WithContext(ctx).Model(&models.ApprovalDelegation{}).
		Where("tenant_id = ? AND delegator_id = ? AND is_active = ?", tenantID, delegatorID, true).
		Where("revoked_at IS NULL").
		Where("(start_date < ? AND end_date > ?)", endDate, startDate) // Overlapping date check

	if chainID != nil {
		query = query.Where("chain_id = ?", *chainID)
	} else {
		query = query.Where("chain_id IS NULL")
	}

	err := query.Count(&count).Error
	return count > 0, translateError(err)
}

// --- Transactions ---

// WithTransaction executes fn within a database transaction.
func (r *ApprovalRepository) WithTransaction(ctx context.Context, fn func(txRepo ApprovalRepositoryInterface) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ApprovalRepository{db: tx, lockTimeout: r.lockTimeout})
	})
	return translateError(err)
}

// WithRequestLock locks the request row FOR UPDATE inside a transaction and
// runs fn. lock_timeout is set for the transaction so contention fails fast.
func (r *ApprovalRepository) WithRequestLock(ctx context.Context, tenantID string, id uuid.UUID, fn func(txRepo ApprovalRepositoryInterface, request *models.ApprovalRequest) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.lockTimeout > 0 {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())).Error; err != nil {
				return err
			}
		}

		var request models.ApprovalRequest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND tenant_id = ?", id, tenantID).
			First(&request).Error; err != nil {
			return err
		}

		return fn(&ApprovalRepository{db: tx, lockTimeout: r.lockTimeout}, &request)
	})
	return translateError(err)
}

var _ ApprovalRepositoryInterface = (*ApprovalRepository)(nil)
