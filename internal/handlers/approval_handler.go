package handlers

import (
	"net/http"
	"strconv"

	gosharedmw "github.com/Tesseract-Nexus/go-shared/middleware"
	"github.com/gin-gonic/gin"

	"erp-approval-service/internal/repository"
	"erp-approval-service/internal/services"
	"erp-approval-service/internal/workflow"
)

// ApprovalHandler handles HTTP requests for approval requests and tasks
type ApprovalHandler struct {
	service *services.ApprovalService
}

// NewApprovalHandler creates a new ApprovalHandler
func NewApprovalHandler(service *services.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: service}
}

// ActionRequest is the body of approve, reject and delegate calls
type ActionRequest struct {
	Comment       string `json:"comment"`
	DelegateTo    string `json:"delegateTo,omitempty"`
	LevelSequence *int   `json:"levelSequence,omitempty"`
}

// CancelRequestBody is the optional body of a cancellation
type CancelRequestBody struct {
	Reason string `json:"reason"`
}

// CreateRequest creates a new approval request for the calling user
// @Summary Create approval request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param request body services.CreateRequestInput true "Create Request"
// @Success 201 {object} models.ApprovalRequest
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/v1/approvals [post]
func (h *ApprovalHandler) CreateRequest(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	userID := c.GetString("user_id")
	if tenantID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and user_id are required"})
		return
	}

	var input services.CreateRequestInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input.RequesterID = userID
	withRequesterName(c, &input)

	request, err := h.service.CreateRequest(c.Request.Context(), tenantID, input)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, request)
}

// CreateRequestInternal creates an approval request on behalf of another service.
// The requester comes from the body and falls back to the caller.
// POST /api/v1/approvals/internal
func (h *ApprovalHandler) CreateRequestInternal(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	var input services.CreateRequestInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if input.RequesterID == "" {
		input.RequesterID = c.GetString("user_id")
	}
	if input.RequesterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "requesterId is required"})
		return
	}
	withRequesterName(c, &input)

	request, err := h.service.CreateRequest(c.Request.Context(), tenantID, input)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	// Return wrapped response for service-to-service compatibility
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"id":     request.ID.String(),
			"status": request.Status,
		},
		"message": "Approval request created successfully",
	})
}

// withRequesterName copies the caller's display name into the request
// metadata unless the caller already supplied one.
func withRequesterName(c *gin.Context, input *services.CreateRequestInput) {
	actor := gosharedmw.GetActorInfo(c)
	if actor.ActorName == "" {
		return
	}
	if input.Metadata == nil {
		input.Metadata = map[string]interface{}{}
	}
	if _, ok := input.Metadata["requesterName"]; !ok {
		input.Metadata["requesterName"] = actor.ActorName
	}
}

// ListRequests lists approval requests
// @Summary List approval requests
// @Tags Approvals
// @Produce json
// @Param status query string false "Status filter (pending, approved, rejected, cancelled)"
// @Param entityType query string false "Entity type"
// @Param entityId query string false "Entity id"
// @Param requesterId query string false "Requester"
// @Param mine query bool false "Only requests submitted by the caller"
// @Param limit query int false "Limit" default(20)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/approvals [get]
func (h *ApprovalHandler) ListRequests(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	filter := repository.RequestFilter{
		Status:      c.Query("status"),
		EntityType:  c.Query("entityType"),
		EntityID:    c.Query("entityId"),
		RequesterID: c.Query("requesterId"),
		Limit:       limit,
		Offset:      offset,
	}
	if filter.Status == "all" {
		filter.Status = ""
	}
	if c.Query("mine") == "true" {
		filter.RequesterID = c.GetString("user_id")
	}

	requests, total, err := h.service.ListRequests(c.Request.Context(), tenantID, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   requests,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetStats returns request counts by status and pending counts by priority
// @Summary Approval statistics
// @Tags Approvals
// @Produce json
// @Success 200 {object} repository.RequestStats
// @Router /api/v1/approvals/stats [get]
func (h *ApprovalHandler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), c.GetString("tenant_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetRequest returns the status view of one request
// @Summary Get approval request status
// @Tags Approvals
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} services.RequestStatus
// @Failure 404 {object} map[string]string
// @Router /api/v1/approvals/{id} [get]
func (h *ApprovalHandler) GetRequest(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "request id")
	if !ok {
		return
	}

	status, err := h.service.GetRequestStatus(c.Request.Context(), c.GetString("tenant_id"), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetRequestHistory retrieves the decision history of a request
// @Summary Get request history
// @Tags Approvals
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {array} models.ApprovalHistory
// @Router /api/v1/approvals/{id}/history [get]
func (h *ApprovalHandler) GetRequestHistory(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "request id")
	if !ok {
		return
	}

	history, err := h.service.GetHistory(c.Request.Context(), c.GetString("tenant_id"), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, history)
}

// ApproveRequest records an approval by the caller
// @Summary Approve request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body ActionRequest false "Comment"
// @Success 200 {object} services.ActionResult
// @Failure 409 {object} map[string]string
// @Router /api/v1/approvals/{id}/approve [post]
func (h *ApprovalHandler) ApproveRequest(c *gin.Context) {
	h.submit(c, workflow.ActionApprove)
}

// RejectRequest records a rejection by the caller
// @Summary Reject request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body ActionRequest false "Comment"
// @Success 200 {object} services.ActionResult
// @Failure 409 {object} map[string]string
// @Router /api/v1/approvals/{id}/reject [post]
func (h *ApprovalHandler) RejectRequest(c *gin.Context) {
	h.submit(c, workflow.ActionReject)
}

// DelegateRequest hands the caller's slot on the open level to another user
// @Summary Delegate request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body ActionRequest true "Delegate and comment"
// @Success 200 {object} services.ActionResult
// @Failure 409 {object} map[string]string
// @Router /api/v1/approvals/{id}/delegate [post]
func (h *ApprovalHandler) DelegateRequest(c *gin.Context) {
	h.submit(c, workflow.ActionDelegate)
}

func (h *ApprovalHandler) submit(c *gin.Context, action workflow.Action) {
	id, ok := parseUUIDParam(c, "id", "request id")
	if !ok {
		return
	}

	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	var body ActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if action == workflow.ActionDelegate && body.DelegateTo == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "delegateTo is required"})
		return
	}

	result, err := h.service.SubmitAction(c.Request.Context(), c.GetString("tenant_id"), id, services.ActionInput{
		ApproverID:    userID,
		Action:        action,
		Comment:       body.Comment,
		DelegateTo:    body.DelegateTo,
		LevelSequence: body.LevelSequence,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// CancelRequest withdraws a pending request. Only the requester may cancel.
// @Summary Cancel request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body CancelRequestBody false "Reason"
// @Success 200 {object} models.ApprovalRequest
// @Failure 409 {object} map[string]string
// @Router /api/v1/approvals/{id} [delete]
func (h *ApprovalHandler) CancelRequest(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "request id")
	if !ok {
		return
	}

	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	// Reason is optional, but a body that is sent must parse
	var body CancelRequestBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	request, err := h.service.CancelRequest(c.Request.Context(), c.GetString("tenant_id"), id, userID, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, request)
}

// ListMyTasks lists the caller's open approval tasks
// @Summary List my open tasks
// @Tags Tasks
// @Produce json
// @Success 200 {array} models.UserTask
// @Router /api/v1/tasks/me [get]
func (h *ApprovalHandler) ListMyTasks(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	tasks, err := h.service.ListOpenTasksForUser(c.Request.Context(), c.GetString("tenant_id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": tasks, "total": len(tasks)})
}

// EscalateRequest escalates a request whose open level is past its deadline
// @Summary Escalate request
// @Tags Admin
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} workflow.EscalationNotice
// @Failure 409 {object} map[string]string
// @Router /api/v1/admin/approvals/{id}/escalate [post]
func (h *ApprovalHandler) EscalateRequest(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "request id")
	if !ok {
		return
	}

	notice, err := h.service.Escalate(c.Request.Context(), c.GetString("tenant_id"), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, notice)
}
