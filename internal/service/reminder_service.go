package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/pkg/jobs"
	"github.com/noah-isme/tuition-billing-api/pkg/sms"
)

// JobSendReminder is the queue job type for one reminder SMS.
const JobSendReminder = "payments.send_reminder"

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

type reminderJob struct {
	Due   models.InvoiceDue
	Phone string
	Day   int
}

// ReminderReport summarises one reminder run.
type ReminderReport struct {
	Due      int    `json:"due"`
	Queued   int    `json:"queued"`
	NoPhone  int    `json:"no_phone"`
	Rejected int    `json:"rejected"`
	Skipped  string `json:"skipped,omitempty"`
}

// ReminderService chases unpaid invoices over SMS on the configured days of the month.
type ReminderService struct {
	invoices invoiceStore
	settings billingSettingsReader
	queue    jobEnqueuer
	sender   sms.Sender
	audit    auditAppender
	logger   *zap.Logger
	loc      *time.Location
}

// NewReminderService constructs a ReminderService. Register HandleJob on the queue under
// JobSendReminder before the first run.
func NewReminderService(invoices invoiceStore, settings billingSettingsReader, queue jobEnqueuer, sender sms.Sender, audit auditAppender, logger *zap.Logger, loc *time.Location) *ReminderService {
	if loc == nil {
		loc = time.UTC
	}
	return &ReminderService{
		invoices: invoices,
		settings: settings,
		queue:    queue,
		sender:   sender,
		audit:    audit,
		logger:   nopLogger(logger),
		loc:      loc,
	}
}

// RunScheduled queues one reminder per unpaid invoice due on or before today, when today is a
// configured reminder day.
func (s *ReminderService) RunScheduled(ctx context.Context, now time.Time) (*ReminderReport, error) {
	settings, err := s.settings.Billing(ctx)
	if err != nil {
		return nil, err
	}
	local := now.In(s.loc)
	if !settings.AutoSendReminders {
		return &ReminderReport{Skipped: "auto reminders disabled"}, nil
	}
	if !containsInt(settings.PaymentReminderDays, local.Day()) {
		return &ReminderReport{Skipped: fmt.Sprintf("day %d is not a reminder day", local.Day())}, nil
	}

	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	due, err := s.invoices.ListDue(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("list due invoices: %w", err)
	}
	report := &ReminderReport{Due: len(due)}
	for _, d := range due {
		log := s.logger.With(zap.String("invoice_id", d.InvoiceID), zap.String("student_id", d.StudentID))
		if d.Phone == nil || *d.Phone == "" {
			log.Warn("no phone number for reminder")
			report.NoPhone++
			continue
		}
		phone, err := sms.NormalizePhone(*d.Phone)
		if err != nil {
			log.Warn("invalid phone number for reminder", zap.Error(err))
			report.NoPhone++
			continue
		}
		job := jobs.Job{ID: uuid.NewString(), Type: JobSendReminder, Payload: reminderJob{Due: d, Phone: phone, Day: local.Day()}}
		if err := s.queue.Enqueue(job); err != nil {
			log.Error("failed to queue reminder", zap.Error(err))
			report.Rejected++
			continue
		}
		report.Queued++
	}
	s.logger.Info("payment reminders queued", zap.Int("due", report.Due), zap.Int("queued", report.Queued), zap.Int("no_phone", report.NoPhone))
	return report, nil
}

// HandleJob sends one reminder. A provider rejection is returned so the queue retries it.
func (s *ReminderService) HandleJob(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(reminderJob)
	if !ok {
		return fmt.Errorf("reminder job %s: unexpected payload %T", job.ID, job.Payload)
	}
	d := payload.Due
	res, err := s.sender.Send(ctx, payload.Phone, reminderMessage(d))
	if err != nil {
		return fmt.Errorf("send reminder for invoice %s: %w", d.InvoiceID, err)
	}
	if !res.Success {
		return fmt.Errorf("send reminder for invoice %s: provider rejected: %s", d.InvoiceID, res.Response)
	}
	if err := audit(ctx, s.audit, nil, models.ActorScheduler, models.AuditActionReminderSent, "invoice", d.InvoiceID, map[string]interface{}{
		"parent_id":    d.ParentID,
		"student_name": d.StudentName,
		"course_name":  d.CourseName,
		"month":        d.Month.Format("2006-01"),
		"amount":       d.Amount,
		"reminder_day": payload.Day,
	}); err != nil {
		s.logger.Warn("failed to record reminder audit event", zap.String("invoice_id", d.InvoiceID), zap.Error(err))
	}
	return nil
}

func reminderMessage(d models.InvoiceDue) string {
	return fmt.Sprintf("Payment reminder for %s's %s course. Amount %s Tk for %s is due. Please pay to avoid interruption.",
		d.StudentName, d.CourseName, d.Amount.StringFixed(2), d.Month.Format("January 2006"))
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
