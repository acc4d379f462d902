package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"erp-approval-service/internal/workflow"
)

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch workflow.KindOf(err) {
	case workflow.KindNotFound:
		return http.StatusNotFound
	case workflow.KindPrecondition:
		return http.StatusConflict
	case workflow.KindConcurrency:
		return http.StatusConflict
	case workflow.KindConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error body. Internal errors are not echoed.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "An internal error occurred"})
		return
	}

	body := gin.H{
		"error": err.Error(),
		"kind":  workflow.KindOf(err),
	}
	if workflow.IsKind(err, workflow.KindConcurrency) {
		body["retryable"] = true
	}
	c.JSON(status, body)
}

// parseUUIDParam reads a uuid path parameter, answering 400 when malformed.
func parseUUIDParam(c *gin.Context, name, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what})
		return uuid.Nil, false
	}
	return id, true
}
