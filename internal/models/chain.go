package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// ApprovalChain is the approval policy for one entity type. Chains are never
// edited in place: a new definition deactivates the previous one.
type ApprovalChain struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID   string          `gorm:"type:varchar(255);not null;index:idx_chain_tenant_entity" json:"tenantId"`
	Name       string          `gorm:"type:varchar(255);not null" json:"name"`
	EntityType string          `gorm:"type:varchar(100);not null;index:idx_chain_tenant_entity" json:"entityType"`
	Version    int             `gorm:"not null;default:1" json:"version"`
	IsActive   bool            `gorm:"default:true;index" json:"isActive"`
	CreatedBy  string          `gorm:"type:varchar(255)" json:"createdBy,omitempty"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
	Levels     []ApprovalLevel `gorm:"foreignKey:ChainID;constraint:OnDelete:CASCADE" json:"levels,omitempty"`
}

// TableName returns the table name for ApprovalChain
func (ApprovalChain) TableName() string {
	return "approval_chains"
}

// Level returns the level with the given sequence number, or nil.
func (c *ApprovalChain) Level(sequence int) *ApprovalLevel {
	for i := range c.Levels {
		if c.Levels[i].Sequence == sequence {
			return &c.Levels[i]
		}
	}
	return nil
}

// SortedLevels returns a copy of the chain's levels in ascending sequence order.
func (c *ApprovalChain) SortedLevels() []ApprovalLevel {
	levels := make([]ApprovalLevel, len(c.Levels))
	copy(levels, c.Levels)
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Sequence < levels[j].Sequence
	})
	return levels
}

// ApprovalLevel is one ordered step within a chain.
type ApprovalLevel struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ChainID         uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_level_chain_sequence" json:"chainId"`
	Sequence        int            `gorm:"not null;uniqueIndex:idx_level_chain_sequence" json:"sequence"`
	Name            string         `gorm:"type:varchar(255)" json:"name,omitempty"`
	ApproverType    string         `gorm:"type:varchar(20);not null" json:"approverType"`
	ApproverIDs     pq.StringArray `gorm:"type:text[];not null" json:"approverIds"`
	RequiredCount   int            `gorm:"not null;default:1" json:"requiredCount"`
	SLAHours        int            `gorm:"not null;default:24" json:"slaHours"`
	Condition       datatypes.JSON `gorm:"type:jsonb" json:"condition,omitempty"`
	EscalationRules datatypes.JSON `gorm:"type:jsonb" json:"escalationRules,omitempty"`
}

// TableName returns the table name for ApprovalLevel
func (ApprovalLevel) TableName() string {
	return "approval_levels"
}

// SLA returns the level's SLA as a duration.
func (l *ApprovalLevel) SLA() time.Duration {
	return time.Duration(l.SLAHours) * time.Hour
}

// Approver types
const (
	ApproverTypeRole     = "role"
	ApproverTypeUser     = "user"
	ApproverTypePosition = "position"
)

// ValidApproverType reports whether t is a known approver type.
func ValidApproverType(t string) bool {
	switch t {
	case ApproverTypeRole, ApproverTypeUser, ApproverTypePosition:
		return true
	}
	return false
}

// ApproverMembership maps a role or position to one user who holds it.
type ApproverMembership struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID     string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_membership" json:"tenantId"`
	ApproverType string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_membership" json:"approverType"`
	ApproverKey  string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_membership" json:"approverKey"`
	UserID       string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_membership" json:"userId"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for ApproverMembership
func (ApproverMembership) TableName() string {
	return "approver_memberships"
}
