package workflow

import (
	"time"

	"erp-approval-service/internal/models"
)

// DefaultWarningWindow is the width of the "approaching" band before a deadline.
const DefaultWarningWindow = 4 * time.Hour

// LevelDeadline returns when a level opened at openedAt breaches its SLA.
func LevelDeadline(openedAt time.Time, level *models.ApprovalLevel) time.Time {
	return openedAt.Add(level.SLA())
}

// SLAStatus derives the reporting band for a deadline. Bands are computed on
// read and never drive a state transition.
func SLAStatus(now time.Time, deadline *time.Time, warning time.Duration) string {
	if deadline == nil {
		return models.SLAOnTime
	}
	if !now.Before(*deadline) {
		return models.SLABreached
	}
	if !now.Before(deadline.Add(-warning)) {
		return models.SLAApproaching
	}
	return models.SLAOnTime
}

// Breached reports whether the request's open level has passed its deadline.
func Breached(now time.Time, req *models.ApprovalRequest) bool {
	return req.Status == models.StatusPending && req.Deadline != nil && !now.Before(*req.Deadline)
}
