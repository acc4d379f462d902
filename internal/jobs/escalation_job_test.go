package jobs

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"erp-approval-service/internal/services"
)

type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) EscalateBreached(ctx context.Context) (*services.SweepResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.SweepResult), args.Error(1)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRunOnce_Sweeps(t *testing.T) {
	sweeper := &MockSweeper{}
	sweeper.On("EscalateBreached", mock.Anything).Return(&services.SweepResult{Found: 2, Escalated: 1, Skipped: 1}, nil).Once()

	job := NewEscalationJob(sweeper, nil, time.Minute, quietLogger())
	result := job.RunOnce(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, 1, result.Escalated)
	sweeper.AssertExpectations(t)
}

func TestRunOnce_SweepErrorIsLogged(t *testing.T) {
	sweeper := &MockSweeper{}
	sweeper.On("EscalateBreached", mock.Anything).Return(nil, errors.New("db down")).Once()

	job := NewEscalationJob(sweeper, nil, time.Minute, quietLogger())
	assert.Nil(t, job.RunOnce(context.Background()))
	sweeper.AssertExpectations(t)
}

func TestRunOnce_SkipsWhenLeaseHeld(t *testing.T) {
	sweeper := &MockSweeper{}
	lease := NewMemoryLease()
	release, ok, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { assert.NoError(t, release()) }()

	job := NewEscalationJob(sweeper, lease, time.Minute, quietLogger())
	assert.Nil(t, job.RunOnce(context.Background()))
	sweeper.AssertNotCalled(t, "EscalateBreached", mock.Anything)
}

func TestStartAndStop(t *testing.T) {
	sweeper := &MockSweeper{}
	swept := make(chan struct{}, 1)
	sweeper.On("EscalateBreached", mock.Anything).Run(func(mock.Arguments) {
		select {
		case swept <- struct{}{}:
		default:
		}
	}).Return(&services.SweepResult{}, nil)

	job := NewEscalationJob(sweeper, nil, time.Hour, quietLogger())
	done := make(chan struct{})
	go func() {
		job.Start(context.Background())
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("job did not sweep on start")
	}
	job.Stop()
	job.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}
}

func TestRedisLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	first := NewRedisLease(client, "approvals:escalation-sweep", time.Minute)
	second := NewRedisLease(client, "approvals:escalation-sweep", time.Minute)

	release, ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release())
	assert.False(t, mr.Exists("approvals:escalation-sweep"))

	release2, ok, err := second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, release2())
}

func TestRedisLease_ExpiredHolderCannotReleaseNewOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	lease := NewRedisLease(client, "sweep", time.Second)
	staleRelease, ok, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, staleRelease())
	assert.True(t, mr.Exists("sweep"))
}

func TestRunOnce_LeaseReleaseFailureIsLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	// Redis goes away while the sweep runs.
	sweeper := &MockSweeper{}
	sweeper.On("EscalateBreached", mock.Anything).Run(func(mock.Arguments) {
		mr.Close()
	}).Return(&services.SweepResult{}, nil).Once()

	logger, hook := logrustest.NewNullLogger()
	job := NewEscalationJob(sweeper, NewRedisLease(client, "sweep", time.Minute), time.Minute, logger)
	require.NotNil(t, job.RunOnce(context.Background()))

	var released *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "Failed to release escalation lease" {
			released = e
		}
	}
	require.NotNil(t, released)
	assert.Equal(t, logrus.WarnLevel, released.Level)
	assert.Contains(t, released.Data[logrus.ErrorKey].(error).Error(), `redis release "sweep"`)
	sweeper.AssertExpectations(t)
}
