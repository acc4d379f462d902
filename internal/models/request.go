package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// ApprovalRequest is one business entity moving through a chain. Its status
// and level pointer are a cache over the request's history.
type ApprovalRequest struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID    string    `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	ChainID     uuid.UUID `gorm:"type:uuid;not null;index" json:"chainId"`
	EntityType  string    `gorm:"type:varchar(100);not null;index:idx_request_entity" json:"entityType"`
	EntityID    string    `gorm:"type:varchar(255);not null;index:idx_request_entity" json:"entityId"`
	RequesterID string    `gorm:"type:varchar(255);not null;index" json:"requesterId"`
	Status      string    `gorm:"type:varchar(30);not null;default:'pending';index" json:"status"`
	Priority    string    `gorm:"type:varchar(20);not null;default:'medium'" json:"priority"`
	Version     int       `gorm:"not null;default:1" json:"version"` // Optimistic locking

	// Metadata is immutable once the request starts; level conditions read it.
	Metadata datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`

	CurrentLevelSequence int        `gorm:"default:0" json:"currentLevelSequence"`
	Deadline             *time.Time `gorm:"index" json:"deadline,omitempty"`
	LevelOpenedAt        *time.Time `json:"levelOpenedAt,omitempty"`

	// Escalation watermark: the level has been escalated when EscalatedAt is
	// not before LevelOpenedAt.
	EscalatedAt     *time.Time `json:"escalatedAt,omitempty"`
	EscalationCount int        `gorm:"default:0" json:"escalationCount"`

	Warnings pq.StringArray `gorm:"type:text[]" json:"warnings,omitempty"`

	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`

	// Relations
	Chain   *ApprovalChain    `gorm:"foreignKey:ChainID;constraint:OnDelete:RESTRICT" json:"-"`
	History []ApprovalHistory `gorm:"foreignKey:RequestID;constraint:OnDelete:CASCADE" json:"-"`
	Tasks   []UserTask        `gorm:"foreignKey:RequestID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for ApprovalRequest
func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

// ApprovalStatus constants
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

// Priority constants
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

var priorityOrder = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	for _, known := range priorityOrder {
		if p == known {
			return true
		}
	}
	return false
}

// NextPriority returns the priority one step above p, capped at urgent.
func NextPriority(p string) string {
	for i, known := range priorityOrder {
		if p == known && i+1 < len(priorityOrder) {
			return priorityOrder[i+1]
		}
	}
	return PriorityUrgent
}

// IsTerminal returns true if the status is a terminal state
func (r *ApprovalRequest) IsTerminal() bool {
	return r.Status == StatusApproved ||
		r.Status == StatusRejected ||
		r.Status == StatusCancelled
}

// MetadataMap decodes the request metadata. Numbers stay json.Number so
// comparisons do not lose precision.
func (r *ApprovalRequest) MetadataMap() (map[string]interface{}, error) {
	return DecodeMetadata(r.Metadata)
}

// EscalatedThisLevel reports whether the currently open level was already escalated.
func (r *ApprovalRequest) EscalatedThisLevel() bool {
	if r.EscalatedAt == nil || r.LevelOpenedAt == nil {
		return false
	}
	return !r.EscalatedAt.Before(*r.LevelOpenedAt)
}

// AddWarning appends a warning unless the same text is already recorded.
func (r *ApprovalRequest) AddWarning(warning string) {
	for _, w := range r.Warnings {
		if w == warning {
			return
		}
	}
	r.Warnings = append(r.Warnings, warning)
}

// DecodeMetadata decodes a JSON object keeping numbers as json.Number.
func DecodeMetadata(raw []byte) (map[string]interface{}, error) {
	meta := map[string]interface{}{}
	if len(raw) == 0 || string(raw) == "null" {
		return meta, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&meta); err != nil {
		return nil, err
	}
	return meta, nil
}
