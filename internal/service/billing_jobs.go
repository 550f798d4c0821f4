package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/tuition-billing-api/pkg/jobs"
)

// Scheduled task names.
const (
	TaskGenerateMonthly = "invoices.generate_monthly"
	TaskSendReminders   = "payments.send_reminders"
	TaskRecover         = "payments.recover"
)

type taskScheduler interface {
	Daily(name string, hour int, task jobs.Task)
	Every(name string, interval time.Duration, task jobs.Task)
}

type jobRegistry interface {
	Handle(jobType string, h jobs.Handler)
}

// BillingJobsConfig sets when the billing jobs run.
type BillingJobsConfig struct {
	InvoiceHour      int
	ReminderHour     int
	RecoveryInterval time.Duration
}

// RegisterBillingJobs wires monthly generation, reminders and payment recovery onto the
// scheduler, and the reminder sender onto the queue.
func RegisterBillingJobs(scheduler taskScheduler, queue jobRegistry, invoices *InvoiceService, reminders *ReminderService, recon *ReconciliationService, cfg BillingJobsConfig, logger *zap.Logger) {
	logger = nopLogger(logger)
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 10 * time.Minute
	}

	queue.Handle(JobSendReminder, reminders.HandleJob)

	scheduler.Daily(TaskGenerateMonthly, cfg.InvoiceHour, func(ctx context.Context, now time.Time) error {
		report, err := invoices.RunScheduled(ctx, now)
		if err != nil {
			return err
		}
		if report.Skipped != "" {
			logger.Debug("invoice generation skipped", zap.String("reason", report.Skipped))
		}
		return nil
	})

	scheduler.Daily(TaskSendReminders, cfg.ReminderHour, func(ctx context.Context, now time.Time) error {
		report, err := reminders.RunScheduled(ctx, now)
		if err != nil {
			return err
		}
		if report.Skipped != "" {
			logger.Debug("payment reminders skipped", zap.String("reason", report.Skipped))
		}
		return nil
	})

	scheduler.Every(TaskRecover, cfg.RecoveryInterval, func(ctx context.Context, _ time.Time) error {
		flagged, err := recon.RecoverFlagged(ctx)
		if err != nil {
			return err
		}
		stale, err := recon.RecoverStale(ctx)
		if err != nil {
			return err
		}
		if flagged+stale > 0 {
			logger.Info("payment recovery pass", zap.Int("flagged", flagged), zap.Int("stale", stale))
		}
		return nil
	})
}
