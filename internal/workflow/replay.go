package workflow

import (
	"sort"

	"erp-approval-service/internal/models"
)

// ReplayResult is the request state reconstructed from its history.
type ReplayResult struct {
	Status               string
	CurrentLevelSequence int
}

// SortHistory orders entries by ledger position.
func SortHistory(history []models.ApprovalHistory) []models.ApprovalHistory {
	sorted := make([]models.ApprovalHistory, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})
	return sorted
}

// Replay reconstructs status and current level from the ledger alone. The
// cached fields on ApprovalRequest must always equal this result.
func Replay(levels []models.ApprovalLevel, metadata map[string]interface{}, history []models.ApprovalHistory) ReplayResult {
	history = SortHistory(history)

	for _, entry := range history {
		if entry.Action == models.ActionCancelled {
			return ReplayResult{Status: models.StatusCancelled, CurrentLevelSequence: entry.LevelSequence}
		}
	}

	applicable, _ := ResolveApplicableLevels(levels, metadata)
	if len(applicable) == 0 {
		return ReplayResult{Status: models.StatusApproved}
	}

	for _, level := range applicable {
		tally := NewLevelTally(level.RequiredCount, nil)
		for _, entry := range history {
			if entry.LevelSequence == level.Sequence {
				tally.Observe(entry)
			}
		}
		switch tally.Outcome() {
		case OutcomeRejected:
			return ReplayResult{Status: models.StatusRejected, CurrentLevelSequence: level.Sequence}
		case OutcomeStillOpen:
			return ReplayResult{Status: models.StatusPending, CurrentLevelSequence: level.Sequence}
		}
	}

	return ReplayResult{Status: models.StatusApproved, CurrentLevelSequence: applicable[len(applicable)-1].Sequence}
}

// NextPosition returns the ledger position for the next appended entry.
func NextPosition(history []models.ApprovalHistory) int {
	next := 1
	for _, entry := range history {
		if entry.Position >= next {
			next = entry.Position + 1
		}
	}
	return next
}
