package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalDelegation is a standing, time-boxed transfer of approval authority.
// While active, tasks opened for the delegator are issued to the delegate.
type ApprovalDelegation struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID     string     `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	DelegatorID  string     `gorm:"type:varchar(255);not null;index" json:"delegatorId"` // User delegating authority
	DelegateID   string     `gorm:"type:varchar(255);not null;index" json:"delegateId"`  // User receiving authority
	ChainID      *uuid.UUID `gorm:"type:uuid;index" json:"chainId,omitempty"`            // Optional: specific chain, null = all chains
	Reason       string     `gorm:"type:text" json:"reason,omitempty"`
	StartDate    time.Time  `gorm:"not null" json:"startDate"`
	EndDate      time.Time  `gorm:"not null" json:"endDate"`
	IsActive     bool       `gorm:"default:true" json:"isActive"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokedBy    string     `gorm:"type:varchar(255)" json:"revokedBy,omitempty"`
	RevokeReason string     `gorm:"type:text" json:"revokeReason,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for ApprovalDelegation
func (ApprovalDelegation) TableName() string {
	return "approval_delegations"
}

// IsValidAt checks if the delegation is in force at the given time
func (d *ApprovalDelegation) IsValidAt(at time.Time) bool {
	return d.IsActive &&
		d.RevokedAt == nil &&
		!at.Before(d.StartDate) &&
		at.Before(d.EndDate)
}

// AppliesToChain reports whether the delegation covers the given chain.
func (d *ApprovalDelegation) AppliesToChain(chainID uuid.UUID) bool {
	return d.ChainID == nil || *d.ChainID == chainID
}

// DelegationStatus constants
const (
	DelegationStatusActive    = "active"
	DelegationStatusExpired   = "expired"
	DelegationStatusRevoked   = "revoked"
	DelegationStatusScheduled = "scheduled"
)

// GetStatus returns the status of the delegation at the given time
func (d *ApprovalDelegation) GetStatus(at time.Time) string {
	if d.RevokedAt != nil || !d.IsActive {
		return DelegationStatusRevoked
	}

	if at.Before(d.StartDate) {
		return DelegationStatusScheduled
	}

	if !at.Before(d.EndDate) {
		return DelegationStatusExpired
	}

	return DelegationStatusActive
}
