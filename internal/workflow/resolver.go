// Package workflow holds the pure parts of the approval engine: level
// resolution, quorum arithmetic, SLA bands, escalation rules and history
// replay. Nothing here touches storage or the clock.
package workflow

import (
	"fmt"

	"erp-approval-service/internal/conditions"
	"erp-approval-service/internal/models"
)

// Warning describes a configuration problem found while resolving levels.
type Warning struct {
	LevelSequence int
	Message       string
}

func (w Warning) String() string {
	return fmt.Sprintf("level %d: %s", w.LevelSequence, w.Message)
}

// LevelApplies evaluates a level's condition. Levels without a condition always
// apply. A malformed or failing condition makes the level not applicable and
// is reported as a warning.
func LevelApplies(level *models.ApprovalLevel, metadata map[string]interface{}) (bool, *Warning) {
	expr, err := conditions.Parse(level.Condition)
	if err != nil {
		return false, &Warning{LevelSequence: level.Sequence, Message: fmt.Sprintf("condition rejected, level skipped: %v", err)}
	}
	if expr == nil {
		return true, nil
	}
	ok, err := expr.Evaluate(metadata)
	if err != nil {
		return false, &Warning{LevelSequence: level.Sequence, Message: fmt.Sprintf("condition failed to evaluate, level skipped: %v", err)}
	}
	return ok, nil
}

// ResolveApplicableLevels returns, in ascending sequence order, the levels of
// a chain whose conditions hold for the metadata. It is deterministic: the
// same levels and metadata always produce the same subsequence.
func ResolveApplicableLevels(levels []models.ApprovalLevel, metadata map[string]interface{}) ([]models.ApprovalLevel, []Warning) {
	chain := models.ApprovalChain{Levels: levels}
	var (
		applicable []models.ApprovalLevel
		warnings   []Warning
	)
	last := 0
	for _, level := range chain.SortedLevels() {
		if level.Sequence <= last {
			warnings = append(warnings, Warning{LevelSequence: level.Sequence, Message: "duplicate sequence number, level skipped"})
			continue
		}
		last = level.Sequence
		ok, warning := LevelApplies(&level, metadata)
		if warning != nil {
			warnings = append(warnings, *warning)
		}
		if ok {
			applicable = append(applicable, level)
		}
	}
	return applicable, warnings
}

// NextApplicableLevel returns the first applicable level with a sequence
// greater than after, or nil when the chain is exhausted.
func NextApplicableLevel(levels []models.ApprovalLevel, metadata map[string]interface{}, after int) (*models.ApprovalLevel, []Warning) {
	applicable, warnings := ResolveApplicableLevels(levels, metadata)
	for i := range applicable {
		if applicable[i].Sequence > after {
			return &applicable[i], warnings
		}
	}
	return nil, warnings
}

// LevelPosition reports the 1-based position of sequence among the applicable
// levels and how many applicable levels there are. Position is 0 when the
// sequence is not applicable.
func LevelPosition(levels []models.ApprovalLevel, metadata map[string]interface{}, sequence int) (int, int) {
	applicable, _ := ResolveApplicableLevels(levels, metadata)
	for i, level := range applicable {
		if level.Sequence == sequence {
			return i + 1, len(applicable)
		}
	}
	return 0, len(applicable)
}
