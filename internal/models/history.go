package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalHistory is an append-only ledger entry. Rows are never updated or
// deleted; the request's cached state is derived from them.
type ApprovalHistory struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	RequestID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_history_request_position" json:"requestId"`
	Position      int       `gorm:"not null;uniqueIndex:idx_history_request_position" json:"position"`
	TenantID      string    `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	LevelSequence int       `gorm:"not null" json:"levelSequence"`
	ApproverID    string    `gorm:"type:varchar(255);not null;index" json:"approverId"`
	Action        string    `gorm:"type:varchar(20);not null" json:"action"`
	TargetID      string    `gorm:"type:varchar(255)" json:"targetId,omitempty"` // delegate or escalation target
	Comment       string    `gorm:"type:text" json:"comment,omitempty"`
	CreatedAt     time.Time `gorm:"not null" json:"createdAt"`
}

// TableName returns the table name for ApprovalHistory
func (ApprovalHistory) TableName() string {
	return "approval_history"
}

// History actions
const (
	ActionApproved  = "approved"
	ActionRejected  = "rejected"
	ActionDelegated = "delegated"
	ActionEscalated = "escalated"
	ActionCreated   = "created"
	ActionCancelled = "cancelled"
)

// SystemActor is the approver id recorded for engine-initiated entries.
const SystemActor = "system"
