package workflow

import (
	"sort"

	"erp-approval-service/internal/models"
)

// Outcome is the state of a level after an action.
type Outcome string

const (
	OutcomeStillOpen Outcome = "still_open"
	OutcomeSatisfied Outcome = "satisfied"
	OutcomeRejected  Outcome = "rejected"
)

// Action is what an approver submits.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionDelegate Action = "delegate"
)

// ParseAction validates an action string.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionApprove, ActionReject, ActionDelegate:
		return Action(s), nil
	}
	return "", Precondition(ErrInvalidAction, "unknown action %q, expected approve, reject or delegate", s)
}

// HistoryAction maps a submitted action to the ledger action it records.
func (a Action) HistoryAction() string {
	switch a {
	case ActionApprove:
		return models.ActionApproved
	case ActionReject:
		return models.ActionRejected
	case ActionDelegate:
		return models.ActionDelegated
	}
	return ""
}

// LevelTally collects sign-off for one level. A single rejection resolves the
// level as rejected; it is satisfied once Required distinct eligible
// approvers have approved. Delegation moves an approver's slot to the
// delegate without counting as a vote.
type LevelTally struct {
	Required int

	eligible map[string]bool
	acted    map[string]bool
	approved map[string]bool
	rejected bool
}

// NewLevelTally creates a tally for the given quorum and eligible approvers.
func NewLevelTally(required int, eligible []string) *LevelTally {
	if required < 1 {
		required = 1
	}
	t := &LevelTally{
		Required: required,
		eligible: make(map[string]bool, len(eligible)),
		acted:    map[string]bool{},
		approved: map[string]bool{},
	}
	for _, id := range eligible {
		t.eligible[id] = true
	}
	return t
}

// Observe folds an already-recorded history entry into the tally without
// validation.
func (t *LevelTally) Observe(entry models.ApprovalHistory) {
	switch entry.Action {
	case models.ActionApproved:
		t.acted[entry.ApproverID] = true
		t.approved[entry.ApproverID] = true
	case models.ActionRejected:
		t.acted[entry.ApproverID] = true
		t.rejected = true
	case models.ActionDelegated:
		t.acted[entry.ApproverID] = true
		delete(t.eligible, entry.ApproverID)
		if entry.TargetID != "" {
			t.eligible[entry.TargetID] = true
		}
	}
}

// Outcome reports the tally's current state.
func (t *LevelTally) Outcome() Outcome {
	if t.rejected {
		return OutcomeRejected
	}
	if len(t.approved) >= t.Required {
		return OutcomeSatisfied
	}
	return OutcomeStillOpen
}

// Record applies one action. Errors leave the tally unchanged.
func (t *LevelTally) Record(approverID string, action Action, delegateID string) (Outcome, error) {
	if t.Outcome() != OutcomeStillOpen {
		return t.Outcome(), ErrLevelResolved
	}
	if t.acted[approverID] {
		return OutcomeStillOpen, ErrAlreadyActed
	}
	if !t.eligible[approverID] {
		return OutcomeStillOpen, ErrNotEligible
	}

	switch action {
	case ActionApprove:
		t.acted[approverID] = true
		t.approved[approverID] = true
	case ActionReject:
		t.acted[approverID] = true
		t.rejected = true
	case ActionDelegate:
		if delegateID == "" || delegateID == approverID {
			return OutcomeStillOpen, Precondition(ErrInvalidDelegate, "a delegate other than yourself is required")
		}
		if t.eligible[delegateID] || t.acted[delegateID] {
			return OutcomeStillOpen, Precondition(ErrInvalidDelegate, "%s already holds a slot at this level", delegateID)
		}
		t.acted[approverID] = true
		delete(t.eligible, approverID)
		t.eligible[delegateID] = true
	default:
		return OutcomeStillOpen, Precondition(ErrInvalidAction, "unknown action %q", action)
	}
	return t.Outcome(), nil
}

// Approvals returns the number of distinct approvals counted so far.
func (t *LevelTally) Approvals() int {
	return len(t.approved)
}

// HasActed reports whether the user already voted or delegated at this level.
func (t *LevelTally) HasActed(userID string) bool {
	return t.acted[userID]
}

// Eligible returns the users who may still act, sorted.
func (t *LevelTally) Eligible() []string {
	out := make([]string, 0, len(t.eligible))
	for id := range t.eligible {
		if !t.acted[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Reachable reports whether enough approvers remain for the quorum to be met.
func (t *LevelTally) Reachable() bool {
	return len(t.approved)+len(t.Eligible()) >= t.Required
}
