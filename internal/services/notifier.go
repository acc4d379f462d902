package services

import (
	"context"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/workflow"
)

// Notifier receives lifecycle changes after they are committed. Implementations
// must not block the caller; delivery failures are theirs to log.
type Notifier interface {
	LevelOpened(ctx context.Context, request *models.ApprovalRequest, level *models.ApprovalLevel, assignees []string)
	RequestApproved(ctx context.Context, request *models.ApprovalRequest, approverID string)
	RequestRejected(ctx context.Context, request *models.ApprovalRequest, approverID, comment string)
	RequestCancelled(ctx context.Context, request *models.ApprovalRequest, byUserID, reason string)
	RequestEscalated(ctx context.Context, request *models.ApprovalRequest, notice workflow.EscalationNotice)
}

type noopNotifier struct{}

func (noopNotifier) LevelOpened(context.Context, *models.ApprovalRequest, *models.ApprovalLevel, []string) {}
func (noopNotifier) RequestApproved(context.Context, *models.ApprovalRequest, string)                   {}
func (noopNotifier) RequestRejected(context.Context, *models.ApprovalRequest, string, string)           {}
func (noopNotifier) RequestCancelled(context.Context, *models.ApprovalRequest, string, string)          {}
func (noopNotifier) RequestEscalated(context.Context, *models.ApprovalRequest, workflow.EscalationNotice) {}

// outbox holds notifications until the mutation that produced them commits.
type outbox struct {
	pending []func(ctx context.Context)
}

func (o *outbox) add(fn func(ctx context.Context)) {
	o.pending = append(o.pending, fn)
}

func (o *outbox) flush(ctx context.Context) {
	for _, fn := range o.pending {
		fn(ctx)
	}
	o.pending = nil
}
