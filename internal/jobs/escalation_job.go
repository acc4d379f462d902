package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"erp-approval-service/internal/services"
)

// Sweeper escalates breached requests. *services.ApprovalService satisfies it.
type Sweeper interface {
	EscalateBreached(ctx context.Context) (*services.SweepResult, error)
}

// EscalationJob periodically escalates approval requests whose open level
// has passed its SLA deadline
type EscalationJob struct {
	sweeper  Sweeper
	lease    Lease
	logger   *logrus.Entry
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEscalationJob creates a new escalation job. A nil lease runs the sweep
// on every tick.
func NewEscalationJob(sweeper Sweeper, lease Lease, interval time.Duration, logger *logrus.Logger) *EscalationJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if lease == nil {
		lease = NewMemoryLease()
	}
	return &EscalationJob{
		sweeper:  sweeper,
		lease:    lease,
		logger:   logger.WithField("component", "escalation-job"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the escalation job
func (j *EscalationJob) Start(ctx context.Context) {
	j.logger.WithField("interval", j.interval.String()).Info("Escalation job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.stopCh:
			j.logger.Info("Escalation job stopped")
			return
		case <-ctx.Done():
			j.logger.Info("Escalation job context cancelled")
			return
		}
	}
}

// Stop signals the job to stop
func (j *EscalationJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce performs one sweep if this instance wins the lease. It returns nil
// when the sweep was skipped.
func (j *EscalationJob) RunOnce(ctx context.Context) *services.SweepResult {
	release, acquired, err := j.lease.Acquire(ctx)
	if err != nil {
		j.logger.WithError(err).Warn("Failed to acquire escalation lease, skipping sweep")
		return nil
	}
	if !acquired {
		j.logger.Debug("Escalation sweep running elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := release(); err != nil {
			j.logger.WithError(err).Warn("Failed to release escalation lease")
		}
	}()

	j.logger.Debug("Running escalation sweep...")
	result, err := j.sweeper.EscalateBreached(ctx)
	if err != nil {
		j.logger.WithError(err).Error("Escalation sweep failed")
	}
	if result == nil {
		return nil
	}

	entry := j.logger.WithFields(logrus.Fields{
		"found":     result.Found,
		"escalated": result.Escalated,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
		"refreshed": result.Refreshed,
	})
	if result.Found > 0 {
		entry.Info("Escalation sweep finished")
	} else {
		entry.Debug("No requests need escalation")
	}
	return result
}
