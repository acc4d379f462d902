package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"erp-approval-service/internal/models"
)

func level(seq int, approvers []string, required int, condition string) models.ApprovalLevel {
	l := models.ApprovalLevel{
		Sequence:      seq,
		ApproverType:  models.ApproverTypeUser,
		ApproverIDs:   pq.StringArray(approvers),
		RequiredCount: required,
		SLAHours:      4,
	}
	if condition != "" {
		l.Condition = datatypes.JSON(condition)
	}
	return l
}

func poChain() []models.ApprovalLevel {
	return []models.ApprovalLevel{
		level(2, []string{"U3"}, 1, ""),
		level(1, []string{"U1", "U2"}, 1, `{"kind":"compare","field":"amount","op":"gt","value":50000}`),
	}
}

func meta(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	m, err := models.DecodeMetadata([]byte(raw))
	require.NoError(t, err)
	return m
}

func sequences(levels []models.ApprovalLevel) []int {
	out := make([]int, 0, len(levels))
	for _, l := range levels {
		out = append(out, l.Sequence)
	}
	return out
}

func TestResolveApplicableLevels_SkipsFalseConditions(t *testing.T) {
	levels, warnings := ResolveApplicableLevels(poChain(), meta(t, `{"amount": 30000}`))
	assert.Empty(t, warnings)
	assert.Equal(t, []int{2}, sequences(levels))

	levels, _ = ResolveApplicableLevels(poChain(), meta(t, `{"amount": 75000}`))
	assert.Equal(t, []int{1, 2}, sequences(levels))
}

func TestResolveApplicableLevels_MalformedConditionFailsClosed(t *testing.T) {
	chain := []models.ApprovalLevel{
		level(1, []string{"U1"}, 1, `{"kind":"script","source":"return true"}`),
		level(2, []string{"U2"}, 1, `{"kind":"compare","field":"currency","op":"gt","value":5}`),
		level(3, []string{"U3"}, 1, ""),
	}
	levels, warnings := ResolveApplicableLevels(chain, meta(t, `{"currency": "USD"}`))
	assert.Equal(t, []int{3}, sequences(levels))
	require.Len(t, warnings, 2)
	assert.Equal(t, 1, warnings[0].LevelSequence)
	assert.Equal(t, 2, warnings[1].LevelSequence)
}

func TestResolveApplicableLevels_StrictlyIncreasingAndDeterministic(t *testing.T) {
	chain := []models.ApprovalLevel{
		level(5, []string{"A"}, 1, ""),
		level(1, []string{"B"}, 1, `{"kind":"exists","field":"project"}`),
		level(3, []string{"C"}, 1, `{"kind":"compare","field":"amount","op":"gte","value":10}`),
		level(3, []string{"D"}, 1, ""),
		level(4, []string{"E"}, 1, `{"kind":"not","args":[{"kind":"in","field":"region","values":["US"]}]}`),
	}
	inputs := []string{
		`{}`,
		`{"amount": 10}`,
		`{"amount": 9, "project": "X", "region": "US"}`,
		`{"amount": 1000, "region": "EU"}`,
	}
	for _, raw := range inputs {
		m := meta(t, raw)
		first, _ := ResolveApplicableLevels(chain, m)
		seqs := sequences(first)
		for i := 1; i < len(seqs); i++ {
			assert.Greater(t, seqs[i], seqs[i-1], raw)
		}
		for i := 0; i < 5; i++ {
			again, _ := ResolveApplicableLevels(chain, m)
			assert.Equal(t, seqs, sequences(again), raw)
		}
	}
}

func TestNextApplicableLevel(t *testing.T) {
	m := meta(t, `{"amount": 75000}`)
	next, _ := NextApplicableLevel(poChain(), m, 0)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Sequence)

	next, _ = NextApplicableLevel(poChain(), m, 1)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Sequence)

	next, _ = NextApplicableLevel(poChain(), m, 2)
	assert.Nil(t, next)

	pos, total := LevelPosition(poChain(), m, 2)
	assert.Equal(t, 2, pos)
	assert.Equal(t, 2, total)
}

func TestLevelTally_SingleRejectionResolves(t *testing.T) {
	for required := 1; required <= 3; required++ {
		t.Run(fmt.Sprintf("required=%d", required), func(t *testing.T) {
			tally := NewLevelTally(required, []string{"U1", "U2", "U3"})
			outcome, err := tally.Record("U2", ActionReject, "")
			require.NoError(t, err)
			assert.Equal(t, OutcomeRejected, outcome)

			_, err = tally.Record("U1", ActionApprove, "")
			assert.ErrorIs(t, err, ErrLevelResolved)
		})
	}
}

func TestLevelTally_SatisfiedOnNthDistinctApproval(t *testing.T) {
	approvers := []string{"U1", "U2", "U3", "U4"}
	for n := 1; n <= len(approvers); n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			tally := NewLevelTally(n, approvers)
			for i := 0; i < n; i++ {
				outcome, err := tally.Record(approvers[i], ActionApprove, "")
				require.NoError(t, err)
				if i < n-1 {
					assert.Equal(t, OutcomeStillOpen, outcome)
				} else {
					assert.Equal(t, OutcomeSatisfied, outcome)
				}
			}
		})
	}
}

func TestLevelTally_DuplicateApprovalIsRejected(t *testing.T) {
	tally := NewLevelTally(2, []string{"U1", "U2"})
	_, err := tally.Record("U1", ActionApprove, "")
	require.NoError(t, err)

	outcome, err := tally.Record("U1", ActionApprove, "")
	assert.ErrorIs(t, err, ErrAlreadyActed)
	assert.Equal(t, OutcomeStillOpen, outcome)
	assert.Equal(t, 1, tally.Approvals())
}

func TestLevelTally_NonMemberIsRejected(t *testing.T) {
	tally := NewLevelTally(1, []string{"U1"})
	_, err := tally.Record("U9", ActionApprove, "")
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Equal(t, 0, tally.Approvals())
}

func TestLevelTally_DelegationMovesSlotWithoutCounting(t *testing.T) {
	tally := NewLevelTally(2, []string{"U1", "U2"})
	outcome, err := tally.Record("U1", ActionDelegate, "U7")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStillOpen, outcome)
	assert.Equal(t, 0, tally.Approvals())
	assert.Equal(t, []string{"U2", "U7"}, tally.Eligible())

	_, err = tally.Record("U1", ActionApprove, "")
	assert.ErrorIs(t, err, ErrAlreadyActed)

	_, err = tally.Record("U7", ActionApprove, "")
	require.NoError(t, err)
	outcome, err = tally.Record("U2", ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSatisfied, outcome)
}

func TestLevelTally_InvalidDelegate(t *testing.T) {
	tally := NewLevelTally(1, []string{"U1", "U2"})
	_, err := tally.Record("U1", ActionDelegate, "")
	assert.ErrorIs(t, err, ErrInvalidDelegate)
	_, err = tally.Record("U1", ActionDelegate, "U2")
	assert.ErrorIs(t, err, ErrInvalidDelegate)
	assert.False(t, tally.HasActed("U1"))
	assert.True(t, IsKind(err, KindPrecondition))
}

func TestLevelTally_Reachable(t *testing.T) {
	tally := NewLevelTally(3, []string{"U1", "U2"})
	assert.False(t, tally.Reachable())
	tally = NewLevelTally(2, []string{"U1", "U2"})
	assert.True(t, tally.Reachable())
}

func TestSLAStatus_Bands(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(6 * time.Hour)

	assert.Equal(t, models.SLAOnTime, SLAStatus(now, &deadline, 4*time.Hour))
	assert.Equal(t, models.SLAApproaching, SLAStatus(now.Add(2*time.Hour), &deadline, 4*time.Hour))
	assert.Equal(t, models.SLABreached, SLAStatus(deadline, &deadline, 4*time.Hour))
	assert.Equal(t, models.SLABreached, SLAStatus(deadline.Add(time.Minute), &deadline, 4*time.Hour))
	assert.Equal(t, models.SLAOnTime, SLAStatus(now, nil, 4*time.Hour))
}

func entry(pos, seq int, approver, action, target string) models.ApprovalHistory {
	return models.ApprovalHistory{Position: pos, LevelSequence: seq, ApproverID: approver, Action: action, TargetID: target}
}

func TestReplay(t *testing.T) {
	low := meta(t, `{"amount": 30000}`)
	high := meta(t, `{"amount": 75000}`)

	cases := []struct {
		name    string
		meta    map[string]interface{}
		history []models.ApprovalHistory
		want    ReplayResult
	}{
		{
			name:    "skipped level then approval",
			meta:    low,
			history: []models.ApprovalHistory{entry(1, 2, "R", models.ActionCreated, ""), entry(2, 2, "U3", models.ActionApproved, "")},
			want:    ReplayResult{Status: models.StatusApproved, CurrentLevelSequence: 2},
		},
		{
			name: "rejected at second level",
			meta: high,
			history: []models.ApprovalHistory{
				entry(1, 1, "R", models.ActionCreated, ""),
				entry(2, 1, "U1", models.ActionApproved, ""),
				entry(3, 2, "U3", models.ActionRejected, ""),
			},
			want: ReplayResult{Status: models.StatusRejected, CurrentLevelSequence: 2},
		},
		{
			name:    "pending at first level",
			meta:    high,
			history: []models.ApprovalHistory{entry(1, 1, "R", models.ActionCreated, ""), entry(2, 1, "U1", models.ActionDelegated, "U5")},
			want:    ReplayResult{Status: models.StatusPending, CurrentLevelSequence: 1},
		},
		{
			name: "escalation does not move the level",
			meta: high,
			history: []models.ApprovalHistory{
				entry(1, 1, "R", models.ActionCreated, ""),
				entry(2, 1, models.SystemActor, models.ActionEscalated, "U9"),
			},
			want: ReplayResult{Status: models.StatusPending, CurrentLevelSequence: 1},
		},
		{
			name: "cancelled",
			meta: high,
			history: []models.ApprovalHistory{
				entry(1, 1, "R", models.ActionCreated, ""),
				entry(2, 1, "U1", models.ActionApproved, ""),
				entry(3, 2, "R", models.ActionCancelled, ""),
			},
			want: ReplayResult{Status: models.StatusCancelled, CurrentLevelSequence: 2},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Replay(poChain(), tc.meta, tc.history))
		})
	}
}

func TestReplay_EmptyChainIsApproved(t *testing.T) {
	only := []models.ApprovalLevel{level(1, []string{"U1"}, 1, `{"kind":"exists","field":"never"}`)}
	assert.Equal(t, ReplayResult{Status: models.StatusApproved}, Replay(only, map[string]interface{}{}, nil))
}

func TestNextPosition(t *testing.T) {
	assert.Equal(t, 1, NextPosition(nil))
	assert.Equal(t, 4, NextPosition([]models.ApprovalHistory{entry(3, 1, "a", models.ActionApproved, ""), entry(1, 1, "b", models.ActionCreated, "")}))
}

func TestParseEscalationRules(t *testing.T) {
	rules, err := ParseEscalationRules([]byte(`[{"kind":"reassign","to":["U9"," "]},{"kind":"notify","channel":"email"},{"kind":"bump_priority"}]`))
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"U9"}, rules[0].To)
	assert.Equal(t, models.ApproverTypeUser, rules[0].ApproverType)

	rules, err = ParseEscalationRules([]byte(`{"kind":"augment","to":["cfo"],"approverType":"role"}`))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, RuleAugment, rules[0].Kind)

	rules, err = ParseEscalationRules(nil)
	assert.NoError(t, err)
	assert.Nil(t, rules)

	for _, raw := range []string{
		`[{"kind":"reassign","to":[]}]`,
		`[{"kind":"notify"}]`,
		`[{"kind":"page_the_ceo"}]`,
		`[{"kind":"augment","to":["x"],"approverType":"team"}]`,
		`not json`,
	} {
		_, err := ParseEscalationRules([]byte(raw))
		assert.True(t, errors.Is(err, ErrInvalidRule), raw)
		assert.True(t, IsKind(err, KindConfiguration), raw)
	}
}

func TestEncodeEscalationRules_RoundTrip(t *testing.T) {
	raw, err := EncodeEscalationRules([]EscalationRule{Reassign("U9"), BumpPriority()})
	require.NoError(t, err)
	var generic []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Len(t, generic, 2)

	rules, err := ParseEscalationRules(raw)
	require.NoError(t, err)
	assert.Equal(t, []EscalationRule{Reassign("U9"), BumpPriority()}, rules)
}

func TestErrorKinds(t *testing.T) {
	err := Precondition(ErrWrongLevel, "level %d is not open", 3)
	assert.ErrorIs(t, err, ErrWrongLevel)
	assert.Equal(t, "level 3 is not open", err.Error())
	assert.Equal(t, KindPrecondition, KindOf(err))

	cause := errors.New("lock timeout")
	cerr := Concurrency(cause)
	assert.ErrorIs(t, cerr, ErrConcurrentModification)
	assert.ErrorIs(t, cerr, cause)
	assert.True(t, IsKind(cerr, KindConcurrency))
	assert.Equal(t, ErrorKind(""), KindOf(cause))
}
