package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/repository"
	"erp-approval-service/internal/workflow"
)

// Options tunes ApprovalService.
type Options struct {
	// LockRetries is how many times a mutation is retried after losing a lock
	// or version race before ErrConcurrentModification is returned.
	LockRetries int
	// WarningWindow is the width of the "approaching" SLA band.
	WarningWindow time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// ApprovalService is the request lifecycle manager. Every mutation of a
// request runs under that request's lock and bumps its version.
type ApprovalService struct {
	repo          repository.ApprovalRepositoryInterface
	chains        *ChainService
	tasks         *TaskDispatcher
	audit         *AuditRecorder
	notifier      Notifier
	logger        *logrus.Entry
	now           func() time.Time
	lockRetries   int
	warningWindow time.Duration
}

// NewApprovalService creates a new ApprovalService
func NewApprovalService(repo repository.ApprovalRepositoryInterface, chains *ChainService, tasks *TaskDispatcher, audit *AuditRecorder, notifier Notifier, logger *logrus.Entry, opts Options) *ApprovalService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WarningWindow <= 0 {
		opts.WarningWindow = workflow.DefaultWarningWindow
	}
	if opts.LockRetries < 0 {
		opts.LockRetries = 0
	}
	return &ApprovalService{
		repo:          repo,
		chains:        chains,
		tasks:         tasks,
		audit:         audit,
		notifier:      notifier,
		logger:        logger,
		now:           opts.Now,
		lockRetries:   opts.LockRetries,
		warningWindow: opts.WarningWindow,
	}
}

// CreateRequestInput represents input for creating an approval request
type CreateRequestInput struct {
	EntityType  string                 `json:"entityType"`
	EntityID    string                 `json:"entityId"`
	RequesterID string                 `json:"requesterId,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	ChainID     *uuid.UUID             `json:"chainId,omitempty"`
}

// ActionInput is one approver action on the open level.
type ActionInput struct {
	ApproverID string          `json:"approverId"`
	Action     workflow.Action `json:"action"`
	Comment    string          `json:"comment,omitempty"`
	DelegateTo string          `json:"delegateTo,omitempty"`
	// LevelSequence, when set, must name the open level.
	LevelSequence *int `json:"levelSequence,omitempty"`
}

// ActionResult reports what an action did to its level.
type ActionResult struct {
	Request       *models.ApprovalRequest `json:"request"`
	Outcome       workflow.Outcome        `json:"outcome"`
	LevelSequence int                     `json:"levelSequence"`
}

// RequestStatus is the read model for one request.
type RequestStatus struct {
	Request       *models.ApprovalRequest  `json:"request"`
	Status        string                   `json:"status"`
	CurrentLevel  int                      `json:"currentLevel"`
	LevelPosition int                      `json:"levelPosition"`
	LevelCount    int                      `json:"levelCount"`
	Deadline      *time.Time               `json:"deadline,omitempty"`
	SLAStatus     string                   `json:"slaStatus,omitempty"`
	Approvals     int                      `json:"approvals"`
	Required      int                      `json:"required"`
	History       []models.ApprovalHistory `json:"history"`
	OpenTasks     []models.UserTask        `json:"openTasks"`
	Warnings      []string                 `json:"warnings,omitempty"`
}

// CreateRequest starts a request on the entity type's active chain (or the
// given chain). With no applicable level the request is approved at once.
func (s *ApprovalService) CreateRequest(ctx context.Context, tenantID string, input CreateRequestInput) (*models.ApprovalRequest, error) {
	if strings.TrimSpace(input.EntityType) == "" || strings.TrimSpace(input.EntityID) == "" {
		return nil, workflow.Precondition(workflow.ErrInvalidRequest, "entity type and entity id are required")
	}
	if strings.TrimSpace(input.RequesterID) == "" {
		return nil, workflow.Precondition(workflow.ErrInvalidRequest, "requester id is required")
	}
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !models.ValidPriority(priority) {
		return nil, workflow.Precondition(workflow.ErrInvalidRequest, "unknown priority %q", priority)
	}

	chain, err := s.selectChain(ctx, tenantID, input)
	if err != nil {
		return nil, err
	}

	// Round-trip through JSON so conditions see the same values now and on replay.
	metadataJSON, err := json.Marshal(input.Metadata)
	if err != nil {
		return nil, workflow.Precondition(workflow.ErrInvalidRequest, "metadata is not serialisable: %v", err)
	}
	if input.Metadata == nil {
		metadataJSON = []byte("{}")
	}
	metadata, err := models.DecodeMetadata(metadataJSON)
	if err != nil {
		return nil, workflow.Precondition(workflow.ErrInvalidRequest, "metadata must be a JSON object")
	}

	now := s.now()
	request := &models.ApprovalRequest{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ChainID:     chain.ID,
		EntityType:  input.EntityType,
		EntityID:    input.EntityID,
		RequesterID: input.RequesterID,
		Status:      models.StatusPending,
		Priority:    priority,
		Version:     1,
		Metadata:    datatypes.JSON(metadataJSON),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	box := &outbox{}
	err = s.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		if err := txRepo.CreateRequest(ctx, request); err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		ledger := &Ledger{Request: request}

		first, warnings := workflow.NextApplicableLevel(chain.Levels, metadata, 0)
		s.recordWarnings(request, chain, warnings)

		firstSeq := 0
		if first != nil {
			firstSeq = first.Sequence
		}
		if _, err := s.audit.Record(ctx, txRepo, ledger, Entry{
			LevelSequence: firstSeq,
			ApproverID:    request.RequesterID,
			Action:        models.ActionCreated,
			At:            now,
		}); err != nil {
			return err
		}

		if first == nil {
			s.complete(request, models.StatusApproved, now)
			box.add(func(ctx context.Context) { s.notifier.RequestApproved(ctx, request, models.SystemActor) })
		} else if err := s.openLevel(ctx, txRepo, ledger, first, now, box); err != nil {
			return err
		}
		return txRepo.UpdateRequestWithLock(ctx, request)
	})
	if err != nil {
		return nil, err
	}

	box.flush(ctx)
	s.logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"request_id":  request.ID,
		"chain_id":    chain.ID,
		"entity_type": request.EntityType,
		"entity_id":   request.EntityID,
		"status":      request.Status,
		"level":       request.CurrentLevelSequence,
	}).Info("Approval request created")
	return request, nil
}

func (s *ApprovalService) selectChain(ctx context.Context, tenantID string, input CreateRequestInput) (*models.ApprovalChain, error) {
	if input.ChainID == nil {
		return s.chains.ActiveChainFor(ctx, tenantID, input.EntityType)
	}
	chain, err := s.chains.GetChain(ctx, tenantID, *input.ChainID)
	if err != nil {
		return nil, err
	}
	if !chain.IsActive {
		return nil, workflow.Precondition(workflow.ErrInvalidRequest, "approval chain %s is not active", chain.ID)
	}
	if chain.EntityType != input.EntityType {
		return nil, workflow.Precondition(workflow.ErrInvalidRequest, "approval chain %s is for %q, not %q", chain.ID, chain.EntityType, input.EntityType)
	}
	return chain, nil
}

// SubmitAction applies an approve, reject or delegate action to the request's
// open level.
func (s *ApprovalService) SubmitAction(ctx context.Context, tenantID string, requestID uuid.UUID, input ActionInput) (*ActionResult, error) {
	if strings.TrimSpace(input.ApproverID) == "" {
		return nil, workflow.Precondition(workflow.ErrInvalidAction, "approver id is required")
	}
	action, err := workflow.ParseAction(string(input.Action))
	if err != nil {
		return nil, err
	}

	var result *ActionResult
	err = s.mutate(ctx, tenantID, requestID, func(m *mutation) error {
		r, err := s.applyAction(ctx, m, action, input)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"request_id":  requestID,
		"approver_id": input.ApproverID,
		"action":      action,
		"outcome":     result.Outcome,
		"level":       result.LevelSequence,
		"status":      result.Request.Status,
	}).Info("Approval action recorded")
	return result, nil
}

func (s *ApprovalService) applyAction(ctx context.Context, m *mutation, action workflow.Action, input ActionInput) (*ActionResult, error) {
	request := m.request
	if request.IsTerminal() {
		return nil, workflow.Precondition(workflow.ErrRequestTerminal, "request is already %s", request.Status)
	}
	current := request.CurrentLevelSequence
	if input.LevelSequence != nil && *input.LevelSequence != current {
		return nil, workflow.Precondition(workflow.ErrWrongLevel, "level %d is not open, the request is at level %d", *input.LevelSequence, current)
	}
	level := m.chain.Level(current)
	if level == nil {
		return nil, workflow.Configuration(workflow.ErrLevelNotFound, "chain %s has no level %d", m.chain.ID, current)
	}

	tally, err := s.levelTally(ctx, m, level)
	if err != nil {
		return nil, err
	}
	outcome, err := tally.Record(input.ApproverID, action, input.DelegateTo)
	if err != nil {
		return nil, s.explainRejection(ctx, m, err, input.ApproverID, current)
	}

	if _, err := s.audit.Record(ctx, m.repo, m.ledger, Entry{
		LevelSequence: current,
		ApproverID:    input.ApproverID,
		Action:        action.HistoryAction(),
		TargetID:      input.DelegateTo,
		Comment:       input.Comment,
		At:            m.now,
	}); err != nil {
		return nil, err
	}

	switch {
	case action == workflow.ActionDelegate:
		if err := s.tasks.CloseUserTask(ctx, m.repo, request.ID, current, input.ApproverID, models.ResolutionDelegated, m.now); err != nil {
			return nil, err
		}
		if _, err := s.tasks.AssignTasks(ctx, m.repo, request, current, []string{input.DelegateTo}, input.ApproverID, m.now); err != nil {
			return nil, err
		}

	case outcome == workflow.OutcomeRejected:
		if err := s.tasks.CloseTasksForLevel(ctx, m.repo, request.ID, current, models.ResolutionRejected, m.now); err != nil {
			return nil, err
		}
		s.complete(request, models.StatusRejected, m.now)
		m.box.add(func(ctx context.Context) { s.notifier.RequestRejected(ctx, request, input.ApproverID, input.Comment) })

	case outcome == workflow.OutcomeSatisfied:
		if err := s.tasks.CloseUserTask(ctx, m.repo, request.ID, current, input.ApproverID, models.ResolutionApproved, m.now); err != nil {
			return nil, err
		}
		if err := s.tasks.CloseTasksForLevel(ctx, m.repo, request.ID, current, models.ResolutionLevelResolved, m.now); err != nil {
			return nil, err
		}
		if err := s.advance(ctx, m, current, input.ApproverID); err != nil {
			return nil, err
		}

	default:
		if err := s.tasks.CloseUserTask(ctx, m.repo, request.ID, current, input.ApproverID, models.ResolutionApproved, m.now); err != nil {
			return nil, err
		}
	}

	if err := m.repo.UpdateRequestWithLock(ctx, request); err != nil {
		return nil, err
	}
	return &ActionResult{Request: request, Outcome: outcome, LevelSequence: current}, nil
}

// explainRejection turns a tally error into a precondition error with a
// reason the caller can show.
func (s *ApprovalService) explainRejection(ctx context.Context, m *mutation, err error, approverID string, current int) error {
	switch {
	case errors.Is(err, workflow.ErrAlreadyActed):
		return workflow.Precondition(workflow.ErrAlreadyActed, "%s already acted on level %d", approverID, current)
	case errors.Is(err, workflow.ErrLevelResolved):
		return workflow.Precondition(workflow.ErrLevelResolved, "level %d already resolved", current)
	case errors.Is(err, workflow.ErrNotEligible):
		earlier, held, lookupErr := s.tasks.HeldEarlierTask(ctx, m.repo, m.request.ID, approverID, current)
		if lookupErr != nil {
			return lookupErr
		}
		if held {
			return workflow.Precondition(workflow.ErrLevelResolved, "level %d already resolved", earlier)
		}
		return workflow.Precondition(workflow.ErrNotEligible, "%s is not an approver at level %d", approverID, current)
	}
	return err
}

// CancelRequest withdraws a pending request. Only the requester may cancel.
func (s *ApprovalService) CancelRequest(ctx context.Context, tenantID string, requestID uuid.UUID, byUserID, reason string) (*models.ApprovalRequest, error) {
	var cancelled *models.ApprovalRequest
	err := s.mutate(ctx, tenantID, requestID, func(m *mutation) error {
		request := m.request
		if request.IsTerminal() {
			return workflow.Precondition(workflow.ErrRequestTerminal, "request is already %s", request.Status)
		}
		if byUserID != request.RequesterID {
			return workflow.Precondition(workflow.ErrNotRequester, "only the requester can cancel the request")
		}

		if _, err := s.audit.Record(ctx, m.repo, m.ledger, Entry{
			LevelSequence: request.CurrentLevelSequence,
			ApproverID:    byUserID,
			Action:        models.ActionCancelled,
			Comment:       reason,
			At:            m.now,
		}); err != nil {
			return err
		}
		if err := s.tasks.CloseTasksForLevel(ctx, m.repo, request.ID, request.CurrentLevelSequence, models.ResolutionCancelled, m.now); err != nil {
			return err
		}
		s.complete(request, models.StatusCancelled, m.now)
		if err := m.repo.UpdateRequestWithLock(ctx, request); err != nil {
			return err
		}
		m.box.add(func(ctx context.Context) { s.notifier.RequestCancelled(ctx, request, byUserID, reason) })
		cancelled = request
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"request_id": requestID,
		"user_id":    byUserID,
	}).Info("Approval request cancelled")
	return cancelled, nil
}

// GetRequestStatus returns the request with its history and open tasks. A
// cached state that disagrees with the history is repaired first.
func (s *ApprovalService) GetRequestStatus(ctx context.Context, tenantID string, requestID uuid.UUID) (*RequestStatus, error) {
	request, err := s.repo.GetRequestByID(ctx, tenantID, requestID)
	if err != nil {
		return nil, translateNotFound(err, requestID)
	}
	chain, err := s.repo.GetChainByID(ctx, tenantID, request.ChainID)
	if err != nil {
		return nil, s.chainLoadError(err, request.ChainID)
	}
	ledger, err := s.audit.Load(ctx, s.repo, request)
	if err != nil {
		return nil, err
	}
	metadata, err := request.MetadataMap()
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	replayed := workflow.Replay(chain.Levels, metadata, ledger.Entries)
	if replayed.Status != request.Status || replayed.CurrentLevelSequence != request.CurrentLevelSequence {
		if err := s.mutate(ctx, tenantID, requestID, func(*mutation) error { return nil }); err != nil {
			return nil, err
		}
		if request, err = s.repo.GetRequestByID(ctx, tenantID, requestID); err != nil {
			return nil, translateNotFound(err, requestID)
		}
		if ledger, err = s.audit.Load(ctx, s.repo, request); err != nil {
			return nil, err
		}
	}

	tasks, err := s.repo.ListTasksForRequest(ctx, requestID, true)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range tasks {
		if tasks[i].SLAStatus != models.SLABreached {
			tasks[i].SLAStatus = workflow.SLAStatus(now, tasks[i].Deadline, s.warningWindow)
		}
	}

	status := &RequestStatus{
		Request:      request,
		Status:       request.Status,
		CurrentLevel: request.CurrentLevelSequence,
		Deadline:     request.Deadline,
		History:      ledger.Entries,
		OpenTasks:    tasks,
		Warnings:     request.Warnings,
	}
	status.LevelPosition, status.LevelCount = workflow.LevelPosition(chain.Levels, metadata, request.CurrentLevelSequence)
	if level := chain.Level(request.CurrentLevelSequence); level != nil {
		status.Required = level.RequiredCount
		for _, e := range ledger.AtLevel(level.Sequence) {
			if e.Action == models.ActionApproved {
				status.Approvals++
			}
		}
	}
	if request.Status == models.StatusPending {
		status.SLAStatus = workflow.SLAStatus(now, request.Deadline, s.warningWindow)
	}
	return status, nil
}

// GetHistory returns the request's ledger.
func (s *ApprovalService) GetHistory(ctx context.Context, tenantID string, requestID uuid.UUID) ([]models.ApprovalHistory, error) {
	if _, err := s.repo.GetRequestByID(ctx, tenantID, requestID); err != nil {
		return nil, translateNotFound(err, requestID)
	}
	return s.audit.History(ctx, s.repo, requestID)
}

// ListRequests lists requests with filters and pagination.
func (s *ApprovalService) ListRequests(ctx context.Context, tenantID string, filter repository.RequestFilter) ([]models.ApprovalRequest, int64, error) {
	return s.repo.ListRequests(ctx, tenantID, filter)
}

// Stats aggregates a tenant's requests.
func (s *ApprovalService) Stats(ctx context.Context, tenantID string) (*repository.RequestStats, error) {
	return s.repo.GetRequestStats(ctx, tenantID, s.now())
}

// ListOpenTasksForUser returns a user's pending tasks.
func (s *ApprovalService) ListOpenTasksForUser(ctx context.Context, tenantID, userID string) ([]models.UserTask, error) {
	return s.tasks.ListOpenTasksForUser(ctx, s.repo, tenantID, userID, s.now(), s.warningWindow)
}

func (s *ApprovalService) complete(request *models.ApprovalRequest, status string, at time.Time) {
	request.Status = status
	request.CompletedAt = &at
}

func (s *ApprovalService) recordWarnings(request *models.ApprovalRequest, chain *models.ApprovalChain, warnings []workflow.Warning) {
	for _, w := range warnings {
		request.AddWarning(w.String())
		s.logger.WithFields(logrus.Fields{
			"request_id":     request.ID,
			"chain_id":       chain.ID,
			"level_sequence": w.LevelSequence,
		}).Warn(w.Message)
	}
}

func translateNotFound(err error, requestID uuid.UUID) error {
	if errors.Is(err, repository.ErrNotFound) {
		return workflow.NotFound(workflow.ErrRequestNotFound, "approval request %s not found", requestID)
	}
	return err
}

func (s *ApprovalService) chainLoadError(err error, chainID uuid.UUID) error {
	if errors.Is(err, repository.ErrNotFound) {
		return workflow.NotFound(workflow.ErrChainNotFound, "approval chain %s not found", chainID)
	}
	return err
}
