package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/workflow"
)

const escalationBatchSize = 100

// SweepResult counts what one escalation sweep did.
type SweepResult struct {
	Found     int   `json:"found"`
	Escalated int   `json:"escalated"`
	Skipped   int   `json:"skipped"`
	Failed    int   `json:"failed"`
	Refreshed int64 `json:"refreshed"`
}

// Escalate applies the open level's escalation rules once per breach. Rules
// run in their declared order; a level with no usable rules still records
// the escalation so it is not picked up again.
func (s *ApprovalService) Escalate(ctx context.Context, tenantID string, requestID uuid.UUID) (*workflow.EscalationNotice, error) {
	var notice *workflow.EscalationNotice
	err := s.mutate(ctx, tenantID, requestID, func(m *mutation) error {
		n, err := s.applyEscalation(ctx, m)
		notice = n
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"request_id": requestID,
		"level":      notice.LevelSequence,
		"rules":      notice.Rules,
		"targets":    notice.Targets,
		"priority":   notice.Priority,
	}).Info("Approval request escalated")
	return notice, nil
}

type escalationStep struct {
	rule  workflow.EscalationRule
	users []string
}

func (s *ApprovalService) applyEscalation(ctx context.Context, m *mutation) (*workflow.EscalationNotice, error) {
	request := m.request
	if request.IsTerminal() {
		return nil, workflow.Precondition(workflow.ErrRequestTerminal, "request is already %s", request.Status)
	}
	if !workflow.Breached(m.now, request) {
		return nil, workflow.Precondition(workflow.ErrNotBreached, "level %d has not passed its deadline", request.CurrentLevelSequence)
	}
	if request.EscalatedThisLevel() {
		return nil, workflow.Precondition(workflow.ErrAlreadyEscalated, "level %d was already escalated", request.CurrentLevelSequence)
	}
	level := m.chain.Level(request.CurrentLevelSequence)
	if level == nil {
		return nil, workflow.Configuration(workflow.ErrLevelNotFound, "chain %s has no level %d", m.chain.ID, request.CurrentLevelSequence)
	}

	notice := &workflow.EscalationNotice{
		LevelSequence:    level.Sequence,
		PreviousPriority: request.Priority,
		Priority:         request.Priority,
	}

	rules, err := workflow.ParseEscalationRules(level.EscalationRules)
	if err != nil {
		notice.Warnings = append(notice.Warnings, fmt.Sprintf("level %d: escalation rules ignored: %v", level.Sequence, err))
		rules = nil
	}
	if len(rules) == 0 && err == nil {
		notice.Warnings = append(notice.Warnings, fmt.Sprintf("level %d has no escalation rules", level.Sequence))
	}

	before, err := s.levelTally(ctx, m, level)
	if err != nil {
		return nil, err
	}

	// Resolve every target before writing anything.
	steps := make([]escalationStep, 0, len(rules))
	seen := map[string]bool{}
	var summary []string
	for _, rule := range rules {
		step := escalationStep{rule: rule}
		if rule.Kind == workflow.RuleReassign || rule.Kind == workflow.RuleAugment {
			users, err := s.tasks.ResolveApprovers(ctx, m.repo, request.TenantID, rule.ApproverType, rule.To)
			if err != nil {
				return nil, err
			}
			if len(users) == 0 {
				notice.Warnings = append(notice.Warnings, fmt.Sprintf("level %d: %s rule resolved no users", level.Sequence, rule.Kind))
			}
			// A user votes once per level.
			for _, u := range users {
				if before.HasActed(u) {
					notice.Warnings = append(notice.Warnings, fmt.Sprintf("level %d: %s already acted, not assigned by %s rule", level.Sequence, u, rule.Kind))
					continue
				}
				step.users = append(step.users, u)
			}
			for _, u := range step.users {
				if !seen[u] {
					seen[u] = true
					notice.Targets = append(notice.Targets, u)
				}
			}
		}
		steps = append(steps, step)
		notice.Rules = append(notice.Rules, rule.Kind)
		summary = append(summary, string(rule.Kind))
	}

	if _, err := s.audit.Record(ctx, m.repo, m.ledger, Entry{
		LevelSequence: level.Sequence,
		ApproverID:    models.SystemActor,
		Action:        models.ActionEscalated,
		TargetID:      strings.Join(notice.Targets, ","),
		Comment:       strings.Join(summary, ","),
		At:            m.now,
	}); err != nil {
		return nil, err
	}

	for _, step := range steps {
		switch step.rule.Kind {
		case workflow.RuleReassign:
			if len(step.users) == 0 {
				continue
			}
			if err := s.reassign(ctx, m, level.Sequence, step.users); err != nil {
				return nil, err
			}
		case workflow.RuleAugment:
			if len(step.users) == 0 {
				continue
			}
			if _, err := s.tasks.AssignTasks(ctx, m.repo, request, level.Sequence, step.users, "", m.now); err != nil {
				return nil, err
			}
		case workflow.RuleNotify:
			notice.Channels = append(notice.Channels, step.rule.Channel)
		case workflow.RuleBumpPriority:
			request.Priority = models.NextPriority(request.Priority)
		}
	}
	notice.Priority = request.Priority

	if _, err := m.repo.MarkTasksBreached(ctx, request.ID, level.Sequence); err != nil {
		return nil, err
	}

	tally, err := s.levelTally(ctx, m, level)
	if err != nil {
		return nil, err
	}
	if !tally.Reachable() {
		notice.Warnings = append(notice.Warnings, fmt.Sprintf("level %d: quorum of %d can no longer be met", level.Sequence, level.RequiredCount))
	}

	now := m.now
	request.EscalatedAt = &now
	request.EscalationCount++
	for _, w := range notice.Warnings {
		request.AddWarning(w)
		s.logger.WithFields(logrus.Fields{
			"request_id":     request.ID,
			"level_sequence": level.Sequence,
		}).Warn(w)
	}
	if err := m.repo.UpdateRequestWithLock(ctx, request); err != nil {
		return nil, err
	}

	sent := *notice
	m.box.add(func(ctx context.Context) { s.notifier.RequestEscalated(ctx, request, sent) })
	return notice, nil
}

// reassign hands the level's open tasks to the escalation targets. Approvals
// already recorded at the level still count.
func (s *ApprovalService) reassign(ctx context.Context, m *mutation, levelSequence int, users []string) error {
	open, err := s.tasks.OpenAssignees(ctx, m.repo, m.request.ID, levelSequence)
	if err != nil {
		return err
	}
	keep := map[string]bool{}
	for _, u := range users {
		keep[u] = true
	}
	var released []string
	for _, u := range open {
		if !keep[u] {
			released = append(released, u)
		}
	}
	if len(released) > 0 {
		if _, err := m.repo.CloseTasks(ctx, m.request.ID, levelSequence, released, models.TaskStatusExpired, models.ResolutionReassigned, m.now); err != nil {
			return err
		}
	}
	_, err = s.tasks.AssignTasks(ctx, m.repo, m.request, levelSequence, users, "", m.now)
	return err
}

// EscalateBreached escalates every pending request past its deadline that
// has not been escalated at its current level, then refreshes task SLA bands.
func (s *ApprovalService) EscalateBreached(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	breached, err := s.repo.FindBreachedRequests(ctx, s.now(), escalationBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to find breached requests: %w", err)
	}
	result.Found = len(breached)

	for _, request := range breached {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		_, err := s.Escalate(ctx, request.TenantID, request.ID)
		switch {
		case err == nil:
			result.Escalated++
		case workflow.IsKind(err, workflow.KindPrecondition):
			// Acted on or escalated since the query ran.
			result.Skipped++
		default:
			result.Failed++
			s.logger.WithFields(logrus.Fields{
				"tenant_id":  request.TenantID,
				"request_id": request.ID,
			}).WithError(err).Error("Failed to escalate approval request")
		}
	}

	refreshed, err := s.RefreshSLA(ctx)
	if err != nil {
		return result, err
	}
	result.Refreshed = refreshed
	return result, nil
}

// RefreshSLA recomputes the stored SLA band of open tasks.
func (s *ApprovalService) RefreshSLA(ctx context.Context) (int64, error) {
	return s.repo.RefreshSLAStatuses(ctx, s.now(), s.warningWindow)
}
