package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/security"
)

// ReportExecutor is what the scheduler needs from the reports service.
type ReportExecutor interface {
	GetReport(ctx context.Context, id string) (*reports.ReportDefinition, error)
	ExecuteReport(ctx context.Context, id string, params map[string]any, sc security.Context, opts ...reports.ExecuteOption) (*reports.ReportResult, error)
}

// runWithRetry executes and delivers one scheduled run. Retryable failures
// are retried with exponential backoff until MaxAttempts is reached.
func (m *Manager) runWithRetry(ctx context.Context, sr *ScheduledReport) (int, error) {
	backoff := m.config.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := m.runOnce(ctx, sr)
		if err == nil {
			return attempt, nil
		}
		if !errdefs.IsRetryable(err) || attempt >= m.config.MaxAttempts || ctx.Err() != nil {
			return attempt, err
		}

		m.logger.Warn("Scheduled run failed, retrying",
			zap.String("schedule_id", sr.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if serr := m.sleep(ctx, backoff); serr != nil {
			return attempt, errors.Join(err, serr)
		}
		backoff *= 2
		if backoff > m.config.MaxBackoff {
			backoff = m.config.MaxBackoff
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, sr *ScheduledReport) error {
	if m.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.RunTimeout)
		defer cancel()
	}

	result, err := m.executor.ExecuteReport(ctx, sr.ReportID, sr.Parameters, sr.securityContext(), reports.WithFormat(sr.Format))
	if err != nil {
		return err
	}

	err = m.sink.Deliver(ctx, &Delivery{
		ScheduleID: sr.ID,
		Name:       sr.Name,
		Method:     sr.DeliveryMethod,
		Recipients: sr.Recipients,
		Result:     result,
	})
	return errdefs.Execution("deliver "+string(sr.DeliveryMethod), err)
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errdefs.FromContext("retry backoff", ctx)
	case <-timer.C:
		return nil
	}
}
