package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"erp-approval-service/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict - record was modified by another request")
	ErrLockTimeout     = errors.New("timed out waiting for request lock")
	ErrDuplicate       = errors.New("duplicate record")
)

// RequestFilter narrows ListRequests. Empty fields do not filter.
type RequestFilter struct {
	Status      string
	EntityType  string
	EntityID    string
	RequesterID string
	Limit       int
	Offset      int
}

// RequestStats aggregates a tenant's requests for the dashboard.
type RequestStats struct {
	Total             int64            `json:"total"`
	ByStatus          map[string]int64 `json:"byStatus"`
	PendingByPriority map[string]int64 `json:"pendingByPriority"`
	Breached          int64            `json:"breached"`
}

// DelegationFilter selects delegations by party.
type DelegationFilter struct {
	DelegatorID    string
	DelegateID     string
	IncludeExpired bool
}

// ApprovalRepositoryInterface is the storage contract used by the services.
// Implementations: ApprovalRepository (Postgres via gorm) and MemoryRepository.
type ApprovalRepositoryInterface interface {
	// Chains
	CreateChain(ctx context.Context, chain *models.ApprovalChain) error
	GetChainByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.ApprovalChain, error)
	GetActiveChain(ctx context.Context, tenantID, entityType string) (*models.ApprovalChain, error)
	ListChains(ctx context.Context, tenantID, entityType string, activeOnly bool) ([]models.ApprovalChain, error)
	LatestChainVersion(ctx context.Context, tenantID, entityType string) (int, error)
	DeactivateChains(ctx context.Context, tenantID, entityType string) (int64, error)
	DeactivateChain(ctx context.Context, tenantID string, id uuid.UUID) error

	// Requests
	CreateRequest(ctx context.Context, request *models.ApprovalRequest) error
	GetRequestByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.ApprovalRequest, error)
	UpdateRequestWithLock(ctx context.Context, request *models.ApprovalRequest) error
	ListRequests(ctx context.Context, tenantID string, filter RequestFilter) ([]models.ApprovalRequest, int64, error)
	GetRequestStats(ctx context.Context, tenantID string, now time.Time) (*RequestStats, error)
	FindBreachedRequests(ctx context.Context, now time.Time, limit int) ([]models.ApprovalRequest, error)

	// History is append-only: there is no update or delete.
	AppendHistory(ctx context.Context, entry *models.ApprovalHistory) error
	GetHistory(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalHistory, error)

	// Tasks
	CreateTasks(ctx context.Context, tasks []models.UserTask) error
	ListTasksForRequest(ctx context.Context, requestID uuid.UUID, openOnly bool) ([]models.UserTask, error)
	ListOpenTasksForUser(ctx context.Context, tenantID, userID string) ([]models.UserTask, error)
	CloseTasks(ctx context.Context, requestID uuid.UUID, levelSequence int, userIDs []string, status, resolution string, at time.Time) (int64, error)
	MarkTasksBreached(ctx context.Context, requestID uuid.UUID, levelSequence int) (int64, error)
	RefreshSLAStatuses(ctx context.Context, now time.Time, warning time.Duration) (int64, error)

	// Approver directory
	ListMemberUsers(ctx context.Context, tenantID, approverType, approverKey string) ([]string, error)
	ReplaceMemberships(ctx context.Context, tenantID, approverType, approverKey string, userIDs []string) error

	// Standing delegations
	CreateDelegation(ctx context.Context, delegation *models.ApprovalDelegation) error
	GetDelegationByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.ApprovalDelegation, error)
	ListDelegations(ctx context.Context, tenantID string, filter DelegationFilter, now time.Time) ([]models.ApprovalDelegation, error)
	FindActiveDelegationsForDelegators(ctx context.Context, tenantID string, delegatorIDs []string, chainID uuid.UUID, at time.Time) ([]models.ApprovalDelegation, error)
	RevokeDelegation(ctx context.Context, tenantID string, id uuid.UUID, revokedBy, reason string, at time.Time) error
	CheckOverlappingDelegation(ctx context.Context, tenantID, delegatorID string, chainID *uuid.UUID, startDate, endDate time.Time) (bool, error)

	// WithTransaction runs fn against a repository bound to one transaction.
	WithTransaction(ctx context.Context, fn func(txRepo ApprovalRepositoryInterface) error) error

	// WithRequestLock runs fn while holding the request's exclusive lock.
	// Acquisition is bounded; on timeout it returns ErrLockTimeout.
	WithRequestLock(ctx context.Context, tenantID string, id uuid.UUID, fn func(txRepo ApprovalRepositoryInterface, request *models.ApprovalRequest) error) error
}
