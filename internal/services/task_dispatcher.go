package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/repository"
	"erp-approval-service/internal/workflow"
)

// TaskDispatcher projects a request's open level into per-user tasks.
type TaskDispatcher struct {
	audit  *AuditRecorder
	logger *logrus.Entry
}

// NewTaskDispatcher creates a TaskDispatcher.
func NewTaskDispatcher(audit *AuditRecorder, logger *logrus.Entry) *TaskDispatcher {
	return &TaskDispatcher{audit: audit, logger: logger}
}

// ResolveApprovers expands approver ids into user ids. Roles and positions go
// through the membership directory. Each user appears once.
func (d *TaskDispatcher) ResolveApprovers(ctx context.Context, repo repository.ApprovalRepositoryInterface, tenantID, approverType string, ids []string) ([]string, error) {
	seen := map[string]bool{}
	var users []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			users = append(users, id)
		}
	}

	for _, id := range ids {
		if approverType == models.ApproverTypeUser {
			add(id)
			continue
		}
		members, err := repo.ListMemberUsers(ctx, tenantID, approverType, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s %q: %w", approverType, id, err)
		}
		for _, m := range members {
			add(m)
		}
	}
	sort.Strings(users)
	return users, nil
}

// OpenTasksForLevel issues one pending approval task per resolved approver of
// the level. An approver with a standing delegation in force has the task
// issued to the delegate instead, and the hand-over is recorded in history.
// Users already holding an open task at the level keep it. It returns the
// users who hold tasks.
func (d *TaskDispatcher) OpenTasksForLevel(ctx context.Context, repo repository.ApprovalRepositoryInterface, ledger *Ledger, level *models.ApprovalLevel, deadline, now time.Time) ([]string, error) {
	request := ledger.Request
	approvers, err := d.ResolveApprovers(ctx, repo, request.TenantID, level.ApproverType, level.ApproverIDs)
	if err != nil {
		return nil, err
	}
	open, err := d.openAssignees(ctx, repo, request.ID, level.Sequence)
	if err != nil {
		return nil, err
	}

	delegations, err := repo.FindActiveDelegationsForDelegators(ctx, request.TenantID, approvers, request.ChainID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load delegations: %w", err)
	}
	byDelegator := map[string]models.ApprovalDelegation{}
	for _, del := range delegations {
		if _, ok := byDelegator[del.DelegatorID]; !ok {
			byDelegator[del.DelegatorID] = del
		}
	}

	isApprover := map[string]bool{}
	for _, id := range approvers {
		isApprover[id] = true
	}

	assigned := map[string]bool{}
	var assignees []string
	var tasks []models.UserTask
	for _, approverID := range approvers {
		userID, delegatedFrom := approverID, ""
		if del, ok := byDelegator[approverID]; ok {
			switch {
			case open[del.DelegateID] && !isApprover[del.DelegateID]:
				// Handed over when the level first opened.
				userID = del.DelegateID
			case isApprover[del.DelegateID] || assigned[del.DelegateID]:
				// A delegate who already holds a slot would merge two slots into one.
				d.logger.WithFields(logrus.Fields{
					"request_id":     request.ID,
					"level_sequence": level.Sequence,
					"delegator_id":   approverID,
					"delegate_id":    del.DelegateID,
				}).Warn("Standing delegation ignored: delegate already approves at this level")
			default:
				if _, err := d.audit.Record(ctx, repo, ledger, Entry{
					LevelSequence: level.Sequence,
					ApproverID:    approverID,
					Action:        models.ActionDelegated,
					TargetID:      del.DelegateID,
					Comment:       fmt.Sprintf("standing delegation %s", del.ID),
					At:            now,
				}); err != nil {
					return nil, err
				}
				userID, delegatedFrom = del.DelegateID, approverID
			}
		}
		if assigned[userID] {
			continue
		}
		assigned[userID] = true
		assignees = append(assignees, userID)
		if !open[userID] {
			tasks = append(tasks, newApprovalTask(request, level.Sequence, userID, delegatedFrom, deadline, now))
		}
	}

	if err := repo.CreateTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("failed to create tasks: %w", err)
	}
	return assignees, nil
}

// AssignTasks opens tasks at a level for additional users, skipping anyone who
// already holds an open task there.
func (d *TaskDispatcher) AssignTasks(ctx context.Context, repo repository.ApprovalRepositoryInterface, request *models.ApprovalRequest, levelSequence int, userIDs []string, delegatedFrom string, now time.Time) ([]string, error) {
	open, err := d.openAssignees(ctx, repo, request.ID, levelSequence)
	if err != nil {
		return nil, err
	}
	deadline := now
	if request.Deadline != nil {
		deadline = *request.Deadline
	}

	var added []string
	var tasks []models.UserTask
	for _, userID := range userIDs {
		if open[userID] {
			continue
		}
		open[userID] = true
		added = append(added, userID)
		tasks = append(tasks, newApprovalTask(request, levelSequence, userID, delegatedFrom, deadline, now))
	}
	if err := repo.CreateTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("failed to create tasks: %w", err)
	}
	return added, nil
}

// CloseTasksForLevel completes every open task of a level, whether or not the
// user acted.
func (d *TaskDispatcher) CloseTasksForLevel(ctx context.Context, repo repository.ApprovalRepositoryInterface, requestID uuid.UUID, levelSequence int, resolution string, at time.Time) error {
	_, err := repo.CloseTasks(ctx, requestID, levelSequence, nil, models.TaskStatusCompleted, resolution, at)
	return err
}

// CloseUserTask completes one user's open task at a level.
func (d *TaskDispatcher) CloseUserTask(ctx context.Context, repo repository.ApprovalRepositoryInterface, requestID uuid.UUID, levelSequence int, userID, resolution string, at time.Time) error {
	_, err := repo.CloseTasks(ctx, requestID, levelSequence, []string{userID}, models.TaskStatusCompleted, resolution, at)
	return err
}

// OpenAssignees returns the users holding an open approval task at a level, sorted.
func (d *TaskDispatcher) OpenAssignees(ctx context.Context, repo repository.ApprovalRepositoryInterface, requestID uuid.UUID, levelSequence int) ([]string, error) {
	open, err := d.openAssignees(ctx, repo, requestID, levelSequence)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(open))
	for id := range open {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (d *TaskDispatcher) openAssignees(ctx context.Context, repo repository.ApprovalRepositoryInterface, requestID uuid.UUID, levelSequence int) (map[string]bool, error) {
	tasks, err := repo.ListTasksForRequest(ctx, requestID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	open := map[string]bool{}
	for _, t := range tasks {
		if t.LevelSequence == levelSequence && t.TaskType == models.TaskTypeApproval {
			open[t.UserID] = true
		}
	}
	return open, nil
}

// HeldEarlierTask reports whether the user had a task at a level before the
// current one, which means their level already resolved.
func (d *TaskDispatcher) HeldEarlierTask(ctx context.Context, repo repository.ApprovalRepositoryInterface, requestID uuid.UUID, userID string, currentLevel int) (int, bool, error) {
	tasks, err := repo.ListTasksForRequest(ctx, requestID, false)
	if err != nil {
		return 0, false, err
	}
	for _, t := range tasks {
		if t.UserID == userID && t.LevelSequence < currentLevel {
			return t.LevelSequence, true, nil
		}
	}
	return 0, false, nil
}

// ListOpenTasksForUser returns a user's pending tasks with a live SLA band.
// A band already escalated to breached stays breached.
func (d *TaskDispatcher) ListOpenTasksForUser(ctx context.Context, repo repository.ApprovalRepositoryInterface, tenantID, userID string, now time.Time, warning time.Duration) ([]models.UserTask, error) {
	tasks, err := repo.ListOpenTasksForUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].SLAStatus != models.SLABreached {
			tasks[i].SLAStatus = workflow.SLAStatus(now, tasks[i].Deadline, warning)
		}
	}
	return tasks, nil
}

func newApprovalTask(request *models.ApprovalRequest, levelSequence int, userID, delegatedFrom string, deadline, now time.Time) models.UserTask {
	dl := deadline
	return models.UserTask{
		ID:            uuid.New(),
		TenantID:      request.TenantID,
		RequestID:     request.ID,
		LevelSequence: levelSequence,
		UserID:        userID,
		TaskType:      models.TaskTypeApproval,
		Status:        models.TaskStatusPending,
		SLAStatus:     models.SLAOnTime,
		DelegatedFrom: delegatedFrom,
		Deadline:      &dl,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
