package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/services"
)

// ChainHandler handles admin requests for approval chains and the approver directory
type ChainHandler struct {
	service *services.ChainService
}

// NewChainHandler creates a new ChainHandler
func NewChainHandler(service *services.ChainService) *ChainHandler {
	return &ChainHandler{service: service}
}

// SetMembersRequest replaces the members of a role or position
type SetMembersRequest struct {
	UserIDs []string `json:"userIds"`
}

// DefineChain stores a new chain version for an entity type
// @Summary Define approval chain
// @Description Creates a new chain version and deactivates the previous one for the entity type
// @Tags Chains
// @Accept json
// @Produce json
// @Param request body services.DefineChainInput true "Chain definition"
// @Success 201 {object} models.ApprovalChain
// @Failure 422 {object} map[string]string
// @Router /api/v1/admin/approval-chains [post]
func (h *ChainHandler) DefineChain(c *gin.Context) {
	var input services.DefineChainInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chain, err := h.service.DefineChain(c.Request.Context(), c.GetString("tenant_id"), c.GetString("user_id"), input)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, chain)
}

// ListChains lists approval chains
// @Summary List approval chains
// @Tags Chains
// @Produce json
// @Param entityType query string false "Entity type"
// @Param activeOnly query bool false "Only active chains"
// @Success 200 {array} models.ApprovalChain
// @Router /api/v1/admin/approval-chains [get]
func (h *ChainHandler) ListChains(c *gin.Context) {
	chains, err := h.service.ListChains(c.Request.Context(), c.GetString("tenant_id"), c.Query("entityType"), c.Query("activeOnly") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	if chains == nil {
		chains = []models.ApprovalChain{}
	}

	c.JSON(http.StatusOK, chains)
}

// GetChain retrieves a single chain with its levels
// @Summary Get approval chain
// @Tags Chains
// @Produce json
// @Param id path string true "Chain ID"
// @Success 200 {object} models.ApprovalChain
// @Failure 404 {object} map[string]string
// @Router /api/v1/admin/approval-chains/{id} [get]
func (h *ChainHandler) GetChain(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "chain id")
	if !ok {
		return
	}

	chain, err := h.service.GetChain(c.Request.Context(), c.GetString("tenant_id"), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, chain)
}

// DeactivateChain stops a chain from being chosen for new requests.
// Requests already on it keep using it.
// @Summary Deactivate approval chain
// @Tags Chains
// @Produce json
// @Param id path string true "Chain ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string
// @Router /api/v1/admin/approval-chains/{id}/deactivate [post]
func (h *ChainHandler) DeactivateChain(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "chain id")
	if !ok {
		return
	}

	if err := h.service.DeactivateChain(c.Request.Context(), c.GetString("tenant_id"), id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id.String(), "isActive": false})
}

// SetApproverMembers replaces the users behind a role or position approver
// @Summary Set approver members
// @Tags Chains
// @Accept json
// @Produce json
// @Param type path string true "Approver type (role or position)"
// @Param key path string true "Role or position key"
// @Param request body SetMembersRequest true "Members"
// @Success 200 {object} map[string]interface{}
// @Failure 422 {object} map[string]string
// @Router /api/v1/admin/approver-memberships/{type}/{key} [put]
func (h *ChainHandler) SetApproverMembers(c *gin.Context) {
	var req SetMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	approverType := c.Param("type")
	key := c.Param("key")
	if err := h.service.SetApproverMembers(c.Request.Context(), c.GetString("tenant_id"), approverType, key, req.UserIDs); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"approverType": approverType, "approverKey": key, "userIds": req.UserIDs})
}
