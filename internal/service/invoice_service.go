package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/repository"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

type billingSettingsReader interface {
	Billing(ctx context.Context) (*models.BillingSettings, error)
}

type invoiceObserver interface {
	ObserveInvoicesGenerated(trigger string, created int)
}

// GenerateInvoicesRequest triggers recurring generation for a month ("2006-01"); empty means next month.
type GenerateInvoicesRequest struct {
	Month string `json:"month" validate:"omitempty,datetime=2006-01"`
}

// GenerationReport summarises one generation run.
type GenerationReport struct {
	Month    time.Time `json:"month"`
	Billable int       `json:"billable"`
	Created  int       `json:"created"`
	Existing int       `json:"existing"`
	Failed   int       `json:"failed"`
	Skipped  string    `json:"skipped,omitempty"`
}

// ManualInvoiceRequest records an invoice raised by staff, optionally settled offline.
type ManualInvoiceRequest struct {
	EnrollmentID string          `json:"enrollment_id" validate:"required"`
	Month        string          `json:"month" validate:"required,datetime=2006-01"`
	Amount       decimal.Decimal `json:"amount"`
	MarkPaid     bool            `json:"mark_paid"`
	Reference    string          `json:"reference" validate:"omitempty,max=64"`
}

// ManualInvoiceResult carries the invoice and the manual payment when one was recorded.
type ManualInvoiceResult struct {
	Invoice *models.Invoice `json:"invoice"`
	Payment *models.Payment `json:"payment,omitempty"`
}

// PendingInvoiceQuery filters unpaid invoice listings.
type PendingInvoiceQuery struct {
	StudentID string `form:"student_id"`
	UpTo      string `form:"up_to" validate:"omitempty,datetime=2006-01"`
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size"`
}

// InvoiceService owns recurring generation, manual invoices and unpaid listings.
type InvoiceService struct {
	tx          txRunner
	enrollments enrollmentStore
	invoices    invoiceStore
	payments    paymentStore
	settings    billingSettingsReader
	audit       auditAppender
	observer    invoiceObserver
	validator   *validator.Validate
	logger      *zap.Logger
	loc         *time.Location
	now         func() time.Time
}

// NewInvoiceService constructs an InvoiceService. Months are computed in loc.
func NewInvoiceService(tx txRunner, enrollments enrollmentStore, invoices invoiceStore, payments paymentStore, settings billingSettingsReader, audit auditAppender, observer invoiceObserver, validate *validator.Validate, logger *zap.Logger, loc *time.Location) *InvoiceService {
	if validate == nil {
		validate = validator.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &InvoiceService{
		tx:          tx,
		enrollments: enrollments,
		invoices:    invoices,
		payments:    payments,
		settings:    settings,
		audit:       audit,
		observer:    observer,
		validator:   validate,
		logger:      nopLogger(logger),
		loc:         loc,
		now:         time.Now,
	}
}

// Generate runs recurring generation on demand.
func (s *InvoiceService) Generate(ctx context.Context, actor models.Actor, req GenerateInvoicesRequest) (*GenerationReport, error) {
	if !actor.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only staff can generate invoices")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid generation payload")
	}
	month := models.NormalizeMonth(s.now(), s.loc).AddDate(0, 1, 0)
	if req.Month != "" {
		parsed, err := time.Parse("2006-01", req.Month)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid month")
		}
		month = parsed
	}
	report, err := s.GenerateMonthly(ctx, actor, "manual", month)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate invoices")
	}
	return report, nil
}

// GenerateMonthly creates the invoice for month for every billable enrollment, at the stored
// recurring fee. Existing (enrollment, month) invoices are left untouched, so runs can repeat.
func (s *InvoiceService) GenerateMonthly(ctx context.Context, actor models.Actor, trigger string, month time.Time) (*GenerationReport, error) {
	target := models.NormalizeMonth(month, time.UTC)
	billable, err := s.enrollments.ListBillable(ctx, target)
	if err != nil {
		return nil, err
	}
	report := &GenerationReport{Month: target, Billable: len(billable)}
	log := s.logger.With(zap.String("month", target.Format("2006-01")), zap.String("trigger", trigger))

	for _, b := range billable {
		enrollmentID, amount := b.ID, b.RecurringFee()
		inv := &models.Invoice{EnrollmentID: &enrollmentID, Month: target, Amount: amount, IsPaid: amount.IsZero()}
		var created bool
		err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
			var err error
			created, err = s.invoices.CreateIfAbsent(ctx, exec, inv)
			if err != nil || !created {
				return err
			}
			return audit(ctx, s.audit, exec, actor, models.AuditActionInvoiceCreate, "invoice", inv.ID,
				map[string]interface{}{"enrollment_id": enrollmentID, "month": target.Format("2006-01"), "amount": amount, "trigger": trigger})
		})
		switch {
		case err != nil:
			report.Failed++
			log.Error("failed to generate invoice", zap.String("enrollment_id", enrollmentID), zap.Error(err))
		case created:
			report.Created++
		default:
			report.Existing++
		}
	}
	if s.observer != nil {
		s.observer.ObserveInvoicesGenerated(trigger, report.Created)
	}
	log.Info("invoice generation finished", zap.Int("created", report.Created), zap.Int("existing", report.Existing), zap.Int("failed", report.Failed))
	return report, nil
}

// RunScheduled is the daily generation task. It only acts when automatic generation is enabled
// and now falls within the configured number of days before month end.
func (s *InvoiceService) RunScheduled(ctx context.Context, now time.Time) (*GenerationReport, error) {
	settings, err := s.settings.Billing(ctx)
	if err != nil {
		return nil, err
	}
	local := now.In(s.loc)
	if !settings.AutoGenerateInvoices {
		return &GenerationReport{Skipped: "auto generation disabled"}, nil
	}
	firstOfNext := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, s.loc)
	daysLeft := firstOfNext.AddDate(0, 0, -1).Day() - local.Day()
	if daysLeft > settings.InvoiceGenerationDays {
		return &GenerationReport{Skipped: fmt.Sprintf("%d days before month end", daysLeft)}, nil
	}
	return s.GenerateMonthly(ctx, models.ActorScheduler, "scheduler", models.NormalizeMonth(firstOfNext, s.loc))
}

// CreateManual raises an invoice outside the gateway flow. With MarkPaid it also records a
// Manual payment for the full amount.
func (s *InvoiceService) CreateManual(ctx context.Context, actor models.Actor, req ManualInvoiceRequest) (*ManualInvoiceResult, error) {
	if !actor.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only staff can create invoices")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid invoice payload")
	}
	if req.Amount.IsNegative() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount must not be negative")
	}
	month, err := time.Parse("2006-01", req.Month)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid month")
	}
	if _, err := s.enrollments.FindByID(ctx, nil, req.EnrollmentID); err != nil {
		if isNoRows(err) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	result := &ManualInvoiceResult{Invoice: &models.Invoice{
		EnrollmentID: &req.EnrollmentID,
		Month:        month,
		Amount:       req.Amount.Round(2),
		IsPaid:       req.MarkPaid || req.Amount.IsZero(),
	}}
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		inv := result.Invoice
		if err := s.invoices.Create(ctx, exec, inv); err != nil {
			return err
		}
		if err := audit(ctx, s.audit, exec, actor, models.AuditActionInvoiceCreate, "invoice", inv.ID,
			map[string]interface{}{"enrollment_id": req.EnrollmentID, "month": req.Month, "amount": inv.Amount, "manual": true}); err != nil {
			return err
		}
		if !req.MarkPaid || inv.Amount.IsZero() {
			return nil
		}
		now := s.now().UTC()
		payment := &models.Payment{
			InvoiceID:             &inv.ID,
			PaymentID:             manualPaymentID(now.In(s.loc)),
			Amount:                inv.Amount,
			Method:                models.PaymentMethodManual,
			Status:                models.PaymentCompleted,
			PayerReference:        strings.TrimSpace(req.Reference),
			MerchantInvoiceNumber: merchantReference("MAN", shortID(inv.ID)),
			ExecutedAt:            &now,
			CreatedBy:             stringPtr(actor.ID),
		}
		if err := s.payments.Create(ctx, exec, payment); err != nil {
			return err
		}
		if err := s.payments.CreateAllocations(ctx, exec, []models.PaymentAllocation{{PaymentID: payment.ID, InvoiceID: inv.ID, Amount: inv.Amount}}); err != nil {
			return err
		}
		result.Payment = payment
		return audit(ctx, s.audit, exec, actor, models.AuditActionPaymentStatus, "payment", payment.PaymentID,
			map[string]string{"status": string(payment.Status), "method": string(payment.Method)})
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "an invoice already exists for this enrollment and month")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create invoice")
	}
	s.logger.Info("manual invoice created", zap.String("invoice_id", result.Invoice.ID), zap.Bool("paid", result.Invoice.IsPaid))
	return result, nil
}

// manualPaymentID builds MANUAL-YYYYMMDD-RAND6.
func manualPaymentID(at time.Time) string {
	return merchantReference("MANUAL", at.Format("20060102"))
}

// ListPending returns unpaid invoices; parents only see their own students.
func (s *InvoiceService) ListPending(ctx context.Context, actor models.Actor, q PendingInvoiceQuery) ([]models.InvoiceDue, *models.Pagination, error) {
	if err := s.validator.Struct(q); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid pending invoice query")
	}
	filter := models.InvoiceFilter{StudentID: q.StudentID, Page: q.Page, PageSize: q.PageSize}
	if !actor.IsStaff() {
		filter.ParentID = actor.ID
	}
	if q.UpTo != "" {
		upTo, err := time.Parse("2006-01", q.UpTo)
		if err != nil {
			return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid up_to month")
		}
		filter.UpTo = &upTo
	}
	items, total, err := s.invoices.ListPending(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list pending invoices")
	}
	return items, pagination(q.Page, q.PageSize, total), nil
}
