package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Tesseract-Nexus/go-shared/events"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/services"
	"erp-approval-service/internal/workflow"
)

const publishTimeout = 10 * time.Second

// Sink is the transport approval events are written to. *events.Publisher
// from go-shared satisfies it.
type Sink interface {
	PublishApproval(ctx context.Context, event *events.ApprovalEvent) error
	Close()
}

// Publisher turns lifecycle changes into approval.* events on NATS.
type Publisher struct {
	sink   Sink
	logger *logrus.Entry
	wg     sync.WaitGroup
}

var _ services.Notifier = (*Publisher)(nil)

// NewPublisher creates a new approval events publisher from an existing go-shared publisher
func NewPublisher(sink Sink, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Publisher{
		sink:   sink,
		logger: logger.WithField("component", "approval-events"),
	}
}

// Close waits for in-flight events and closes the NATS connection
func (p *Publisher) Close() {
	p.wg.Wait()
	if p.sink != nil {
		p.sink.Close()
	}
}

// LevelOpened publishes an approval.requested event addressed to the level's approvers
func (p *Publisher) LevelOpened(ctx context.Context, request *models.ApprovalRequest, level *models.ApprovalLevel, assignees []string) {
	event := p.buildApprovalEvent(events.ApprovalRequested, request)
	event.Status = models.StatusPending
	event.RequestedAt = request.CreatedAt.Format(time.RFC3339)
	event.ApproverRole = level.ApproverType
	event.ActionData["level_sequence"] = level.Sequence
	event.ActionData["level_name"] = level.Name
	event.ActionData["required_count"] = level.RequiredCount
	event.ActionData["assignees"] = assignees
	p.publish(ctx, event)
}

// RequestApproved publishes an approval.granted event
func (p *Publisher) RequestApproved(ctx context.Context, request *models.ApprovalRequest, approverID string) {
	event := p.buildApprovalEvent(events.ApprovalGranted, request)
	event.Status = models.StatusApproved
	event.PreviousStatus = models.StatusPending
	event.Decision = "approve"
	event.ApproverID = approverID
	p.setDecisionTime(event, request)
	p.publish(ctx, event)
}

// RequestRejected publishes an approval.rejected event
func (p *Publisher) RequestRejected(ctx context.Context, request *models.ApprovalRequest, approverID, comment string) {
	event := p.buildApprovalEvent(events.ApprovalRejected, request)
	event.Status = models.StatusRejected
	event.PreviousStatus = models.StatusPending
	event.Decision = "reject"
	event.ApproverID = approverID
	event.DecisionReason = comment
	p.setDecisionTime(event, request)
	p.publish(ctx, event)
}

// RequestCancelled publishes an approval.cancelled event
func (p *Publisher) RequestCancelled(ctx context.Context, request *models.ApprovalRequest, byUserID, reason string) {
	event := p.buildApprovalEvent(events.ApprovalCancelled, request)
	event.Status = models.StatusCancelled
	event.PreviousStatus = models.StatusPending
	event.ApproverID = byUserID
	event.DecisionReason = reason
	p.setDecisionTime(event, request)
	p.publish(ctx, event)
}

// RequestEscalated publishes an approval.escalated event
func (p *Publisher) RequestEscalated(ctx context.Context, request *models.ApprovalRequest, notice workflow.EscalationNotice) {
	event := p.buildApprovalEvent(events.ApprovalEscalated, request)
	event.Status = request.Status
	event.EscalatedTo = strings.Join(notice.Targets, ",")
	event.EscalationReason = escalationReason(notice)
	event.EscalationLevel = request.EscalationCount
	event.ActionData["level_sequence"] = notice.LevelSequence
	event.ActionData["channels"] = notice.Channels
	event.ActionData["previous_priority"] = notice.PreviousPriority
	if len(notice.Warnings) > 0 {
		event.ActionData["warnings"] = notice.Warnings
	}
	p.publish(ctx, event)
}

func escalationReason(notice workflow.EscalationNotice) string {
	if len(notice.Rules) == 0 {
		return fmt.Sprintf("level %d SLA breached", notice.LevelSequence)
	}
	kinds := make([]string, len(notice.Rules))
	for i, k := range notice.Rules {
		kinds[i] = string(k)
	}
	return fmt.Sprintf("level %d SLA breached: %s", notice.LevelSequence, strings.Join(kinds, ", "))
}

// buildApprovalEvent creates an ApprovalEvent from an approval request model
func (p *Publisher) buildApprovalEvent(eventType string, request *models.ApprovalRequest) *events.ApprovalEvent {
	event := events.NewApprovalEvent(eventType, request.TenantID)
	event.SourceID = uuid.New().String()
	event.ApprovalRequestID = request.ID.String()
	event.WorkflowID = request.ChainID.String()
	if request.Chain != nil {
		event.WorkflowName = request.Chain.Name
	}

	event.RequesterID = request.RequesterID
	event.ActionType = request.EntityType
	event.ResourceType = request.EntityType
	event.ResourceID = request.EntityID
	event.Priority = request.Priority
	if request.Deadline != nil {
		event.ExpiresAt = request.Deadline.Format(time.RFC3339)
	}

	actionData, err := request.MetadataMap()
	if err != nil || actionData == nil {
		actionData = map[string]interface{}{}
	}
	event.ActionData = actionData
	return event
}

func (p *Publisher) setDecisionTime(event *events.ApprovalEvent, request *models.ApprovalRequest) {
	if request.CompletedAt != nil {
		event.DecisionAt = request.CompletedAt.Format(time.RFC3339)
	}
}

// publish sends the event in the background; failures are logged
func (p *Publisher) publish(_ context.Context, event *events.ApprovalEvent) {
	if p.sink == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		fields := logrus.Fields{
			"eventType":         event.EventType,
			"approvalRequestID": event.ApprovalRequestID,
			"tenantID":          event.TenantID,
		}
		if err := p.sink.PublishApproval(pubCtx, event); err != nil {
			p.logger.WithFields(fields).WithError(err).Error("Failed to publish approval event")
			return
		}
		p.logger.WithFields(fields).Debug("Approval event published")
	}()
}
