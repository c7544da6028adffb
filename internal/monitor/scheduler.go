package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// PeriodicChecks are the genuinely-recurring maintenance jobs named in
// spec.md §4.E — the hourly context-usage check and the six-hourly health
// check. Unlike the daily tasks (date-stamp dedup, see dailytasks.go) these
// are plain fixed-interval jobs, so they are wrapped with gocron the same
// way the teacher's scheduler wraps backup policies, rather than hand-rolled
// against the 1-second tick.
type PeriodicChecks struct {
	cron   gocron.Scheduler
	logger *zap.Logger
}

// ContextUsageChecker reports the agent's current context-window usage as
// a fraction in [0, 1] and performs the handoff when asked.
type ContextUsageChecker interface {
	ReportContextUsage(ctx context.Context) (fraction float64, err error)
	InvokeHandoff(ctx context.Context) error
}

// HealthReporter enqueues the health-report control item.
type HealthReporter interface {
	EnqueueHealthReport(ctx context.Context) error
}

// NewPeriodicChecks builds the gocron-backed scheduler. Call Start once at
// Activity Monitor startup.
func NewPeriodicChecks(logger *zap.Logger) (*PeriodicChecks, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("monitor: create gocron scheduler: %w", err)
	}
	return &PeriodicChecks{cron: s, logger: logger.Named("periodic_checks")}, nil
}

// contextUsageThreshold is the spec.md §4.E trigger: the agent is asked to
// hand off once context usage reaches 70%.
const contextUsageThreshold = 0.70

// ScheduleContextUsageCheck registers the hourly context-usage check: report
// current usage, and if it's at or above threshold, wait 30s and invoke
// handoff — a two-step control pair per spec.md §4.E.
func (p *PeriodicChecks) ScheduleContextUsageCheck(checker ContextUsageChecker) error {
	_, err := p.cron.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(func() {
			reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
			fraction, err := checker.ReportContextUsage(reportCtx)
			reportCancel()
			if err != nil {
				p.logger.Error("context usage report failed", zap.Error(err))
				return
			}
			if fraction < contextUsageThreshold {
				return
			}

			time.Sleep(30 * time.Second)

			handoffCtx, handoffCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer handoffCancel()
			if err := checker.InvokeHandoff(handoffCtx); err != nil {
				p.logger.Error("context handoff failed", zap.Error(err), zap.Float64("usage", fraction))
			}
		}),
		gocron.WithTags("context-usage-check"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("monitor: schedule context usage check: %w", err)
	}
	return nil
}

// ScheduleHealthCheck registers the six-hourly health-report control.
func (p *PeriodicChecks) ScheduleHealthCheck(reporter HealthReporter) error {
	_, err := p.cron.NewJob(
		gocron.DurationJob(6*time.Hour),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := reporter.EnqueueHealthReport(ctx); err != nil {
				p.logger.Error("health check enqueue failed", zap.Error(err))
			}
		}),
		gocron.WithTags("six-hourly-health-check"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("monitor: schedule health check: %w", err)
	}
	return nil
}

// Start begins running scheduled jobs.
func (p *PeriodicChecks) Start() {
	p.cron.Start()
}

// Stop waits for any in-flight job function to complete, then shuts down.
func (p *PeriodicChecks) Stop() error {
	if err := p.cron.Shutdown(); err != nil {
		return fmt.Errorf("monitor: shutdown periodic checks: %w", err)
	}
	return nil
}
