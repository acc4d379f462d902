package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/repository"
	"erp-approval-service/internal/workflow"
)

const lockRetryBackoff = 10 * time.Millisecond

// mutation is the state one locked change of a request works on.
type mutation struct {
	repo     repository.ApprovalRepositoryInterface
	request  *models.ApprovalRequest
	chain    *models.ApprovalChain
	ledger   *Ledger
	metadata map[string]interface{}
	now      time.Time
	box      *outbox
}

// mutate runs fn under the request lock. The cached state is reconciled with
// the history before fn sees it. Lock timeouts and version conflicts are
// retried; notifications are sent only after a successful commit.
func (s *ApprovalService) mutate(ctx context.Context, tenantID string, requestID uuid.UUID, fn func(m *mutation) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.lockRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * lockRetryBackoff):
			}
		}

		box := &outbox{}
		err := s.repo.WithRequestLock(ctx, tenantID, requestID, func(txRepo repository.ApprovalRepositoryInterface, request *models.ApprovalRequest) error {
			m, err := s.load(ctx, txRepo, request, box)
			if err != nil {
				return err
			}
			if err := s.reconcile(ctx, m); err != nil {
				return err
			}
			return fn(m)
		})
		if err == nil {
			box.flush(ctx)
			return nil
		}

		var engineErr *workflow.Error
		switch {
		case errors.As(err, &engineErr):
			return err
		case errors.Is(err, repository.ErrNotFound):
			return translateNotFound(err, requestID)
		case errors.Is(err, repository.ErrLockTimeout),
			errors.Is(err, repository.ErrVersionConflict),
			errors.Is(err, repository.ErrDuplicate):
			lastErr = err
			s.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"attempt":    attempt + 1,
			}).WithError(err).Debug("Request mutation lost a race, retrying")
		default:
			return err
		}
	}
	return workflow.Concurrency(lastErr)
}

func (s *ApprovalService) load(ctx context.Context, repo repository.ApprovalRepositoryInterface, request *models.ApprovalRequest, box *outbox) (*mutation, error) {
	chain, err := repo.GetChainByID(ctx, request.TenantID, request.ChainID)
	if err != nil {
		return nil, s.chainLoadError(err, request.ChainID)
	}
	ledger, err := s.audit.Load(ctx, repo, request)
	if err != nil {
		return nil, err
	}
	metadata, err := request.MetadataMap()
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &mutation{
		repo:     repo,
		request:  request,
		chain:    chain,
		ledger:   ledger,
		metadata: metadata,
		now:      s.now(),
		box:      box,
	}, nil
}

// reconcile repairs a cached status or level that disagrees with the
// history. The history wins.
func (s *ApprovalService) reconcile(ctx context.Context, m *mutation) error {
	request := m.request
	replayed := workflow.Replay(m.chain.Levels, m.metadata, m.ledger.Entries)
	if replayed.Status == request.Status && replayed.CurrentLevelSequence == request.CurrentLevelSequence {
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"request_id":      request.ID,
		"cached_status":   request.Status,
		"cached_level":    request.CurrentLevelSequence,
		"replayed_status": replayed.Status,
		"replayed_level":  replayed.CurrentLevelSequence,
	}).Warn("Request state disagrees with its history, repairing")

	previous := request.CurrentLevelSequence
	switch {
	case replayed.Status != models.StatusPending:
		resolution := models.ResolutionLevelResolved
		switch replayed.Status {
		case models.StatusRejected:
			resolution = models.ResolutionRejected
		case models.StatusCancelled:
			resolution = models.ResolutionCancelled
		}
		for _, seq := range distinct(previous, replayed.CurrentLevelSequence) {
			if err := s.tasks.CloseTasksForLevel(ctx, m.repo, request.ID, seq, resolution, m.now); err != nil {
				return err
			}
		}
		request.CurrentLevelSequence = replayed.CurrentLevelSequence
		if request.Status != replayed.Status {
			s.complete(request, replayed.Status, m.now)
		}

	case replayed.CurrentLevelSequence != previous:
		if err := s.tasks.CloseTasksForLevel(ctx, m.repo, request.ID, previous, models.ResolutionLevelResolved, m.now); err != nil {
			return err
		}
		level := m.chain.Level(replayed.CurrentLevelSequence)
		if level == nil {
			return workflow.Configuration(workflow.ErrLevelNotFound, "chain %s has no level %d", m.chain.ID, replayed.CurrentLevelSequence)
		}
		request.Status = models.StatusPending
		request.CompletedAt = nil
		if err := s.openLevel(ctx, m.repo, m.ledger, level, m.now, m.box); err != nil {
			return err
		}

	default:
		// Same level, only the cached status was wrong.
		request.Status = models.StatusPending
		request.CompletedAt = nil
	}

	return m.repo.UpdateRequestWithLock(ctx, request)
}

// openLevel makes level the request's current level and issues its tasks.
func (s *ApprovalService) openLevel(ctx context.Context, repo repository.ApprovalRepositoryInterface, ledger *Ledger, level *models.ApprovalLevel, now time.Time, box *outbox) error {
	request := ledger.Request
	openedAt := now
	deadline := workflow.LevelDeadline(now, level)
	request.CurrentLevelSequence = level.Sequence
	request.LevelOpenedAt = &openedAt
	request.Deadline = &deadline

	assignees, err := s.tasks.OpenTasksForLevel(ctx, repo, ledger, level, deadline, now)
	if err != nil {
		return err
	}
	if len(assignees) < level.RequiredCount {
		warning := fmt.Sprintf("level %d: %d approvers available for a quorum of %d", level.Sequence, len(assignees), level.RequiredCount)
		request.AddWarning(warning)
		s.logger.WithFields(logrus.Fields{
			"request_id":     request.ID,
			"level_sequence": level.Sequence,
		}).Warn(warning)
	}

	box.add(func(ctx context.Context) { s.notifier.LevelOpened(ctx, request, level, assignees) })
	return nil
}

// advance moves past a satisfied level: either the next applicable level
// opens or the request is approved.
func (s *ApprovalService) advance(ctx context.Context, m *mutation, current int, approverID string) error {
	next, warnings := workflow.NextApplicableLevel(m.chain.Levels, m.metadata, current)
	s.recordWarnings(m.request, m.chain, warnings)
	if next == nil {
		request := m.request
		s.complete(request, models.StatusApproved, m.now)
		m.box.add(func(ctx context.Context) { s.notifier.RequestApproved(ctx, request, approverID) })
		return nil
	}
	return s.openLevel(ctx, m.repo, m.ledger, next, m.now, m.box)
}

// levelTally builds the quorum state of a level: the users holding open
// tasks there are eligible, and the level's history is folded in.
func (s *ApprovalService) levelTally(ctx context.Context, m *mutation, level *models.ApprovalLevel) (*workflow.LevelTally, error) {
	open, err := s.tasks.OpenAssignees(ctx, m.repo, m.request.ID, level.Sequence)
	if err != nil {
		return nil, err
	}
	tally := workflow.NewLevelTally(level.RequiredCount, open)
	for _, e := range m.ledger.AtLevel(level.Sequence) {
		tally.Observe(e)
	}
	return tally, nil
}

func distinct(a, b int) []int {
	if a == b {
		return []int{a}
	}
	return []int{a, b}
}
