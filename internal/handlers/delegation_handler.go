package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/repository"
)

// PermissionCheck reports whether the caller holds an administrative permission.
type PermissionCheck func(c *gin.Context) bool

// DelegationHandler handles delegation-related HTTP requests
type DelegationHandler struct {
	repo       repository.ApprovalRepositoryInterface
	canReadAll PermissionCheck
	canManage  PermissionCheck
	logger     *logrus.Entry
	now        func() time.Time
}

// NewDelegationHandler creates a new DelegationHandler. Nil checks deny.
func NewDelegationHandler(repo repository.ApprovalRepositoryInterface, canReadAll, canManage PermissionCheck, logger *logrus.Entry) *DelegationHandler {
	deny := func(*gin.Context) bool { return false }
	if canReadAll == nil {
		canReadAll = deny
	}
	if canManage == nil {
		canManage = deny
	}
	return &DelegationHandler{
		repo:       repo,
		canReadAll: canReadAll,
		canManage:  canManage,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateDelegationRequest represents a request to create a delegation
type CreateDelegationRequest struct {
	DelegateID string     `json:"delegateId" binding:"required"`
	ChainID    *uuid.UUID `json:"chainId,omitempty"`
	Reason     string     `json:"reason"`
	StartDate  time.Time  `json:"startDate" binding:"required"`
	EndDate    time.Time  `json:"endDate" binding:"required"`
}

// DelegationResponse represents a delegation in API responses
type DelegationResponse struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     string     `json:"tenantId"`
	DelegatorID  string     `json:"delegatorId"`
	DelegateID   string     `json:"delegateId"`
	ChainID      *uuid.UUID `json:"chainId,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	StartDate    time.Time  `json:"startDate"`
	EndDate      time.Time  `json:"endDate"`
	Status       string     `json:"status"`
	IsActive     bool       `json:"isActive"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokedBy    string     `json:"revokedBy,omitempty"`
	RevokeReason string     `json:"revokeReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// RevokeDelegationRequest represents a request to revoke a delegation
type RevokeDelegationRequest struct {
	Reason string `json:"reason"`
}

// CreateDelegation creates a new delegation
// @Summary Create a new delegation
// @Description Create a delegation to allow another user to approve on your behalf
// @Tags Delegations
// @Accept json
// @Produce json
// @Param request body CreateDelegationRequest true "Delegation details"
// @Success 201 {object} DelegationResponse
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/v1/delegations [post]
func (h *DelegationHandler) CreateDelegation(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	var req CreateDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	req.DelegateID = strings.TrimSpace(req.DelegateID)

	// Validate dates
	if !req.EndDate.After(req.StartDate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end date must be after start date"})
		return
	}

	if req.EndDate.Before(h.now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end date must be in the future"})
		return
	}

	// Cannot delegate to self
	if req.DelegateID == "" || req.DelegateID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delegate to yourself"})
		return
	}

	// Check for overlapping delegations
	hasOverlap, err := h.repo.CheckOverlappingDelegation(c.Request.Context(), tenantID, userID, req.ChainID, req.StartDate, req.EndDate)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check for overlapping delegations"})
		return
	}
	if hasOverlap {
		c.JSON(http.StatusConflict, gin.H{"error": "an overlapping delegation already exists for this chain"})
		return
	}

	delegation := &models.ApprovalDelegation{
		TenantID:    tenantID,
		DelegatorID: userID,
		DelegateID:  req.DelegateID,
		ChainID:     req.ChainID,
		Reason:      req.Reason,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		IsActive:    true,
	}

	if err := h.repo.CreateDelegation(c.Request.Context(), delegation); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create delegation"})
		return
	}

	h.logDelegation(delegation, "Delegation created", userID)

	c.JSON(http.StatusCreated, h.toDelegationResponse(delegation))
}

// GetDelegation retrieves a delegation by ID
// @Summary Get a delegation
// @Description Get details of a specific delegation
// @Tags Delegations
// @Produce json
// @Param id path string true "Delegation ID"
// @Success 200 {object} DelegationResponse
// @Failure 404 {object} map[string]string
// @Router /api/v1/delegations/{id} [get]
func (h *DelegationHandler) GetDelegation(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "delegation ID")
	if !ok {
		return
	}
	userID := c.GetString("user_id")

	delegation, err := h.repo.GetDelegationByID(c.Request.Context(), c.GetString("tenant_id"), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "delegation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve delegation"})
		return
	}

	// Authorization: only delegator, delegate, or admin can view
	isOwner := delegation.DelegatorID == userID || delegation.DelegateID == userID
	if !isOwner && !h.canReadAll(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized to view this delegation"})
		return
	}

	c.JSON(http.StatusOK, h.toDelegationResponse(delegation))
}

// ListMyDelegations lists delegations created by the current user
// @Summary List my delegations
// @Description List all delegations where you are the delegator
// @Tags Delegations
// @Produce json
// @Param include_expired query bool false "Include expired delegations"
// @Success 200 {array} DelegationResponse
// @Router /api/v1/delegations/outgoing [get]
func (h *DelegationHandler) ListMyDelegations(c *gin.Context) {
	h.list(c, repository.DelegationFilter{DelegatorID: c.GetString("user_id")})
}

// ListDelegatedToMe lists delegations granted to the current user
// @Summary List delegations to me
// @Description List all delegations where you are the delegate
// @Tags Delegations
// @Produce json
// @Param include_expired query bool false "Include expired delegations"
// @Success 200 {array} DelegationResponse
// @Router /api/v1/delegations/incoming [get]
func (h *DelegationHandler) ListDelegatedToMe(c *gin.Context) {
	h.list(c, repository.DelegationFilter{DelegateID: c.GetString("user_id")})
}

func (h *DelegationHandler) list(c *gin.Context, filter repository.DelegationFilter) {
	if filter.DelegatorID == "" && filter.DelegateID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	filter.IncludeExpired = c.Query("include_expired") == "true"

	delegations, err := h.repo.ListDelegations(c.Request.Context(), c.GetString("tenant_id"), filter, h.now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list delegations"})
		return
	}

	responses := make([]DelegationResponse, len(delegations))
	for i := range delegations {
		responses[i] = h.toDelegationResponse(&delegations[i])
	}

	c.JSON(http.StatusOK, responses)
}

// RevokeDelegation revokes a delegation
// @Summary Revoke a delegation
// @Description Revoke an existing delegation
// @Tags Delegations
// @Accept json
// @Produce json
// @Param id path string true "Delegation ID"
// @Param request body RevokeDelegationRequest false "Revocation reason"
// @Success 200 {object} DelegationResponse
// @Failure 404 {object} map[string]string
// @Router /api/v1/delegations/{id}/revoke [post]
func (h *DelegationHandler) RevokeDelegation(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "delegation ID")
	if !ok {
		return
	}
	tenantID := c.GetString("tenant_id")
	userID := c.GetString("user_id")

	// Reason is optional
	var req RevokeDelegationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
			return
		}
	}

	// Get delegation to verify authorization
	delegation, err := h.repo.GetDelegationByID(c.Request.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "delegation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve delegation"})
		return
	}

	// Only delegator can revoke (or admin with delegations:manage permission)
	if delegation.DelegatorID != userID && !h.canManage(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized to revoke this delegation"})
		return
	}

	if err := h.repo.RevokeDelegation(c.Request.Context(), tenantID, id, userID, req.Reason, h.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "delegation not found or already revoked"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke delegation"})
		return
	}

	// Refresh delegation data
	if refreshed, err := h.repo.GetDelegationByID(c.Request.Context(), tenantID, id); err == nil {
		delegation = refreshed
	}

	h.logDelegation(delegation, "Delegation revoked", userID)

	c.JSON(http.StatusOK, h.toDelegationResponse(delegation))
}

func (h *DelegationHandler) logDelegation(d *models.ApprovalDelegation, msg, actorID string) {
	if h.logger == nil {
		return
	}
	fields := logrus.Fields{
		"tenant_id":     d.TenantID,
		"delegation_id": d.ID,
		"delegator_id":  d.DelegatorID,
		"delegate_id":   d.DelegateID,
		"actor_id":      actorID,
		"start_date":    d.StartDate,
		"end_date":      d.EndDate,
	}
	if d.ChainID != nil {
		fields["chain_id"] = *d.ChainID
	}
	if d.RevokeReason != "" {
		fields["revoke_reason"] = d.RevokeReason
	}
	h.logger.WithFields(fields).Info(msg)
}

// toDelegationResponse converts a delegation model to API response
func (h *DelegationHandler) toDelegationResponse(d *models.ApprovalDelegation) DelegationResponse {
	return DelegationResponse{
		ID:           d.ID,
		TenantID:     d.TenantID,
		DelegatorID:  d.DelegatorID,
		DelegateID:   d.DelegateID,
		ChainID:      d.ChainID,
		Reason:       d.Reason,
		StartDate:    d.StartDate,
		EndDate:      d.EndDate,
		Status:       d.GetStatus(h.now()),
		IsActive:     d.IsActive,
		RevokedAt:    d.RevokedAt,
		RevokedBy:    d.RevokedBy,
		RevokeReason: d.RevokeReason,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}
