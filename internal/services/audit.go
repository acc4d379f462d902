package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/repository"
	"erp-approval-service/internal/workflow"
)

// Ledger is a request's history as loaded inside a mutation. Appends go
// through AuditRecorder so positions stay dense.
type Ledger struct {
	Request *models.ApprovalRequest
	Entries []models.ApprovalHistory
}

// AtLevel returns the entries recorded against one level.
func (l *Ledger) AtLevel(sequence int) []models.ApprovalHistory {
	var out []models.ApprovalHistory
	for _, e := range l.Entries {
		if e.LevelSequence == sequence {
			out = append(out, e)
		}
	}
	return out
}

// Entry is one action to record.
type Entry struct {
	LevelSequence int
	ApproverID    string
	Action        string
	TargetID      string
	Comment       string
	At            time.Time
}

// AuditRecorder appends to and reads the approval history. There is no update
// or delete path.
type AuditRecorder struct{}

// NewAuditRecorder creates an AuditRecorder.
func NewAuditRecorder() *AuditRecorder {
	return &AuditRecorder{}
}

// Load reads a request's ledger.
func (a *AuditRecorder) Load(ctx context.Context, repo repository.ApprovalRepositoryInterface, request *models.ApprovalRequest) (*Ledger, error) {
	entries, err := repo.GetHistory(ctx, request.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return &Ledger{Request: request, Entries: workflow.SortHistory(entries)}, nil
}

// Record appends one entry to the ledger.
func (a *AuditRecorder) Record(ctx context.Context, repo repository.ApprovalRepositoryInterface, ledger *Ledger, e Entry) (*models.ApprovalHistory, error) {
	row := &models.ApprovalHistory{
		ID:            uuid.New(),
		RequestID:     ledger.Request.ID,
		Position:      workflow.NextPosition(ledger.Entries),
		TenantID:      ledger.Request.TenantID,
		LevelSequence: e.LevelSequence,
		ApproverID:    e.ApproverID,
		Action:        e.Action,
		TargetID:      e.TargetID,
		Comment:       e.Comment,
		CreatedAt:     e.At,
	}
	if err := repo.AppendHistory(ctx, row); err != nil {
		return nil, err
	}
	ledger.Entries = append(ledger.Entries, *row)
	return row, nil
}

// History returns a request's ledger for compliance reporting.
func (a *AuditRecorder) History(ctx context.Context, repo repository.ApprovalRepositoryInterface, requestID uuid.UUID) ([]models.ApprovalHistory, error) {
	entries, err := repo.GetHistory(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return workflow.SortHistory(entries), nil
}
