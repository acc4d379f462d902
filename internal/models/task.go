package models

import (
	"time"

	"github.com/google/uuid"
)

// UserTask is a per-user actionable item projected from a request's open level.
// At most one pending approval task exists per (request, level, user).
type UserTask struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID      string     `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	RequestID     uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:idx_user_tasks_open,where:status = 'pending'" json:"requestId"`
	LevelSequence int        `gorm:"not null;uniqueIndex:idx_user_tasks_open,where:status = 'pending'" json:"levelSequence"`
	UserID        string     `gorm:"type:varchar(255);not null;index;uniqueIndex:idx_user_tasks_open,where:status = 'pending'" json:"userId"`
	TaskType      string     `gorm:"type:varchar(20);not null;default:'approval'" json:"taskType"`
	Status        string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	SLAStatus     string     `gorm:"type:varchar(20);not null;default:'on_time'" json:"slaStatus"`
	Resolution    string     `gorm:"type:varchar(30)" json:"resolution,omitempty"`
	DelegatedFrom string     `gorm:"type:varchar(255)" json:"delegatedFrom,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for UserTask
func (UserTask) TableName() string {
	return "user_tasks"
}

// Task types
const (
	TaskTypeApproval     = "approval"
	TaskTypeNotification = "notification"
)

// Task statuses
const (
	TaskStatusPending   = "pending"
	TaskStatusCompleted = "completed"
	TaskStatusExpired   = "expired"
)

// SLA bands
const (
	SLAOnTime      = "on_time"
	SLAApproaching = "approaching"
	SLABreached    = "breached"
)

// Task resolutions recorded when a task is closed
const (
	ResolutionApproved      = "approved"
	ResolutionRejected      = "rejected"
	ResolutionCancelled     = "cancelled"
	ResolutionDelegated     = "delegated"
	ResolutionReassigned    = "reassigned"
	ResolutionLevelResolved = "level_resolved"
)

// IsOpen reports whether the task is still actionable.
func (t *UserTask) IsOpen() bool {
	return t.Status == TaskStatusPending
}

// Close marks the task finished with the given status and resolution.
func (t *UserTask) Close(status, resolution string, at time.Time) {
	t.Status = status
	t.Resolution = resolution
	t.CompletedAt = &at
}
