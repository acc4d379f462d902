package events

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Tesseract-Nexus/go-shared/events"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/workflow"
)

type MockSink struct {
	mock.Mock
}

func (m *MockSink) PublishApproval(ctx context.Context, event *events.ApprovalEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockSink) Close() {
	m.Called()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRequest() *models.ApprovalRequest {
	deadline := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	return &models.ApprovalRequest{
		ID:          uuid.New(),
		TenantID:    "tenant-1",
		ChainID:     uuid.New(),
		EntityType:  "purchase_order",
		EntityID:    "po-42",
		RequesterID: "REQ",
		Status:      models.StatusPending,
		Priority:    models.PriorityHigh,
		Metadata:    datatypes.JSON(`{"amount":75000}`),
		Deadline:    &deadline,
	}
}

func TestPublisher_LevelOpened(t *testing.T) {
	sink := &MockSink{}
	var captured *events.ApprovalEvent
	sink.On("PublishApproval", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(1).(*events.ApprovalEvent)
	}).Return(nil).Once()
	sink.On("Close").Return().Once()

	p := NewPublisher(sink, quietLogger())
	request := testRequest()
	level := &models.ApprovalLevel{Sequence: 1, Name: "Manager", ApproverType: models.ApproverTypeUser, RequiredCount: 1}
	p.LevelOpened(context.Background(), request, level, []string{"U1", "U2"})
	p.Close()

	require.NotNil(t, captured)
	assert.Equal(t, events.ApprovalRequested, captured.EventType)
	assert.Equal(t, "tenant-1", captured.TenantID)
	assert.Equal(t, request.ID.String(), captured.ApprovalRequestID)
	assert.Equal(t, "po-42", captured.ResourceID)
	assert.Equal(t, "2026-03-02T13:00:00Z", captured.ExpiresAt)
	assert.Equal(t, []string{"U1", "U2"}, captured.ActionData["assignees"])
	assert.Equal(t, 1, captured.ActionData["level_sequence"])
	assert.NotNil(t, captured.ActionData["amount"])
	sink.AssertExpectations(t)
}

func TestPublisher_Escalated(t *testing.T) {
	sink := &MockSink{}
	var captured *events.ApprovalEvent
	sink.On("PublishApproval", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(1).(*events.ApprovalEvent)
	}).Return(nil).Once()
	sink.On("Close").Return().Once()

	p := NewPublisher(sink, quietLogger())
	request := testRequest()
	request.EscalationCount = 1
	p.RequestEscalated(context.Background(), request, workflow.EscalationNotice{
		LevelSequence: 2,
		Rules:         []workflow.RuleKind{workflow.RuleReassign, workflow.RuleNotify},
		Targets:       []string{"U8", "U9"},
		Channels:      []string{"ops"},
	})
	p.Close()

	require.NotNil(t, captured)
	assert.Equal(t, events.ApprovalEscalated, captured.EventType)
	assert.Equal(t, "U8,U9", captured.EscalatedTo)
	assert.Equal(t, "level 2 SLA breached: reassign, notify", captured.EscalationReason)
	assert.Equal(t, 1, captured.EscalationLevel)
	assert.Equal(t, []string{"ops"}, captured.ActionData["channels"])
}

func TestPublisher_FailureIsLoggedNotReturned(t *testing.T) {
	sink := &MockSink{}
	sink.On("PublishApproval", mock.Anything, mock.Anything).Return(errors.New("nats down")).Once()
	sink.On("Close").Return().Once()

	p := NewPublisher(sink, quietLogger())
	request := testRequest()
	completed := time.Now()
	request.CompletedAt = &completed
	request.Status = models.StatusRejected

	assert.NotPanics(t, func() {
		p.RequestRejected(context.Background(), request, "U3", "over budget")
		p.Close()
	})
	sink.AssertExpectations(t)
}

func TestPublisher_NilSinkIsNoop(t *testing.T) {
	p := NewPublisher(nil, nil)
	assert.NotPanics(t, func() {
		p.RequestApproved(context.Background(), testRequest(), "U1")
		p.Close()
	})
}
