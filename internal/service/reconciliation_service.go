package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/repository"
	"github.com/noah-isme/tuition-billing-api/pkg/bkash"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
	"github.com/noah-isme/tuition-billing-api/pkg/logger"
)

// Channel names the path through which a payment confirmation arrived.
type Channel string

const (
	ChannelExplicit Channel = "explicit"
	ChannelVerify   Channel = "verify"
	ChannelCallback Channel = "callback"
	ChannelWebhook  Channel = "webhook"
	ChannelRecovery Channel = "recovery"
)

// Reconciliation outcomes reported to the observer.
const (
	OutcomeMaterialized        = "materialized"
	OutcomeAlreadyMaterialized = "already_materialized"
	OutcomeDeduplicated        = "deduplicated"
	OutcomeSettled             = "settled"
	OutcomePending             = "pending"
	OutcomeNotCompleted        = "not_completed"
	OutcomeUnavailable         = "unavailable"
	OutcomeFailed              = "materialization_failed"
)

type reconciliationObserver interface {
	ObserveReconciliation(channel, outcome string)
}

// ReconcileResult describes the durable state after a reconciliation attempt.
type ReconcileResult struct {
	PaymentID           string               `json:"payment_id"`
	TrxID               string               `json:"trx_id,omitempty"`
	Status              models.PaymentStatus `json:"status"`
	Kind                models.IntentKind    `json:"kind,omitempty"`
	Enrollment          *models.Enrollment   `json:"enrollment,omitempty"`
	Invoices            []models.Invoice     `json:"invoices,omitempty"`
	PaidInvoiceID       string               `json:"paid_invoice_id,omitempty"`
	AlreadyMaterialized bool                 `json:"already_materialized"`
	Deduplicated        bool                 `json:"deduplicated"`
}

// ReconciliationConfig tunes recovery.
type ReconciliationConfig struct {
	StalePaymentAge time.Duration
	BatchSize       int
}

// ReconciliationService turns gateway-verified payments into enrollments and paid invoices.
// Every entry point converges on Materialize, which runs at most once per gateway payment id.
type ReconciliationService struct {
	tx          txRunner
	enrollments enrollmentStore
	invoices    invoiceStore
	payments    paymentStore
	audit       auditAppender
	gateway     paymentGateway
	observer    reconciliationObserver
	logger      *zap.Logger
	cfg         ReconciliationConfig
	now         func() time.Time
}

// NewReconciliationService wires the engine.
func NewReconciliationService(tx txRunner, enrollments enrollmentStore, invoices invoiceStore, payments paymentStore, audit auditAppender, gateway paymentGateway, observer reconciliationObserver, logger *zap.Logger, cfg ReconciliationConfig) *ReconciliationService {
	if cfg.StalePaymentAge <= 0 {
		cfg.StalePaymentAge = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &ReconciliationService{
		tx:          tx,
		enrollments: enrollments,
		invoices:    invoices,
		payments:    payments,
		audit:       audit,
		gateway:     gateway,
		observer:    observer,
		logger:      nopLogger(logger),
		cfg:         cfg,
		now:         time.Now,
	}
}

func (s *ReconciliationService) observe(channel Channel, outcome string) {
	if s.observer != nil {
		s.observer.ObserveReconciliation(string(channel), outcome)
	}
}

// Complete is the explicit completion entry point: execute at the gateway, verify when the
// answer is ambiguous, then materialize.
func (s *ReconciliationService) Complete(ctx context.Context, actor models.Actor, paymentID string) (*ReconcileResult, error) {
	p, err := s.loadForActor(ctx, actor, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.PaymentCompleted {
		return s.Materialize(ctx, actor, ChannelExplicit, paymentID)
	}
	if p.Status != models.PaymentInitiated {
		return s.verify(ctx, actor, ChannelExplicit, p, nil)
	}

	res, execErr := s.gateway.ExecutePayment(ctx, paymentID)
	if execErr == nil && res.Completed() {
		return s.confirm(ctx, actor, ChannelExplicit, paymentID, res.TrxID)
	}
	if execErr != nil && !bkash.IsAlreadyCompleted(execErr) {
		s.logger.Warn("execute payment failed, verifying",
			zap.String("gateway_payment_id", paymentID), zap.Error(execErr))
	}
	if bkash.IsAlreadyCompleted(execErr) {
		execErr = nil
	}
	return s.verify(ctx, actor, ChannelExplicit, p, execErr)
}

// Verify is the recovery entry point: query first and only execute when the gateway still
// reports the checkout as Initiated. Safe to call any number of times.
func (s *ReconciliationService) Verify(ctx context.Context, actor models.Actor, paymentID string) (*ReconcileResult, error) {
	p, err := s.loadForActor(ctx, actor, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.PaymentCompleted {
		return s.Materialize(ctx, actor, ChannelVerify, paymentID)
	}
	q, err := s.gateway.QueryPayment(ctx, paymentID)
	if err != nil {
		s.observe(ChannelVerify, OutcomeUnavailable)
		return nil, classifyGatewayError(err)
	}
	if q.Completed() {
		return s.confirm(ctx, actor, ChannelVerify, paymentID, q.TrxID)
	}
	if q.TransactionStatus == bkash.StatusInitiated && p.Status == models.PaymentInitiated {
		return s.Complete(ctx, actor, paymentID)
	}
	return s.settleNotCompleted(ctx, ChannelVerify, p, q.TransactionStatus, nil)
}

// Query reports the gateway's view of a payment without changing anything locally.
func (s *ReconciliationService) Query(ctx context.Context, actor models.Actor, paymentID string) (*bkash.PaymentResult, error) {
	if _, err := s.loadForActor(ctx, actor, paymentID); err != nil {
		return nil, err
	}
	res, err := s.gateway.QueryPayment(ctx, paymentID)
	if err != nil {
		return nil, classifyGatewayError(err)
	}
	return res, nil
}

// ConfirmFromWebhook handles a signed gateway notification. The notification itself is the
// verified signal, so no further gateway call is made.
func (s *ReconciliationService) ConfirmFromWebhook(ctx context.Context, paymentID, trxID, status string) (*ReconcileResult, error) {
	p, err := s.payments.FindByPaymentID(ctx, nil, paymentID)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}
	switch status {
	case bkash.StatusCompleted:
		return s.confirm(ctx, models.ActorWebhook, ChannelWebhook, paymentID, trxID)
	case bkash.StatusInitiated:
		s.observe(ChannelWebhook, OutcomePending)
		return &ReconcileResult{PaymentID: paymentID, Status: p.Status}, nil
	default:
		return s.settleNotCompleted(ctx, ChannelWebhook, p, status, nil)
	}
}

// MarkFromCallback applies the unambiguous terminal redirects. Success is never trusted here.
func (s *ReconciliationService) MarkFromCallback(ctx context.Context, paymentID string, status models.PaymentStatus) error {
	err := s.payments.MarkTerminal(ctx, nil, paymentID, status)
	if err != nil {
		if errors.Is(err, repository.ErrNotApplied) {
			return nil
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update payment")
	}
	if err := audit(ctx, s.audit, nil, models.ActorCallback, models.AuditActionPaymentStatus, "payment", paymentID,
		map[string]string{"status": string(status)}); err != nil {
		s.logger.Warn("failed to record payment audit event", zap.String("gateway_payment_id", paymentID), zap.Error(err))
	}
	s.observe(ChannelCallback, OutcomeNotCompleted)
	return nil
}

func (s *ReconciliationService) loadForActor(ctx context.Context, actor models.Actor, paymentID string) (*models.Payment, error) {
	if paymentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "payment_id is required")
	}
	p, err := s.payments.FindByPaymentID(ctx, nil, paymentID)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}
	if !actor.IsStaff() && (p.CreatedBy == nil || *p.CreatedBy != actor.ID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "payment belongs to another account")
	}
	return p, nil
}

// verify asks the gateway for the final status after an ambiguous execute.
func (s *ReconciliationService) verify(ctx context.Context, actor models.Actor, channel Channel, p *models.Payment, execErr error) (*ReconcileResult, error) {
	q, err := s.gateway.QueryPayment(ctx, p.PaymentID)
	if err != nil {
		s.observe(channel, OutcomeUnavailable)
		if execErr != nil && !bkash.IsUnavailable(execErr) && !bkash.IsUnavailable(err) {
			return nil, classifyGatewayError(execErr)
		}
		return nil, classifyGatewayError(err)
	}
	if q.Completed() {
		return s.confirm(ctx, actor, channel, p.PaymentID, q.TrxID)
	}
	return s.settleNotCompleted(ctx, channel, p, q.TransactionStatus, execErr)
}

// settleNotCompleted records a verified non-success. Initiated leaves the payment untouched.
func (s *ReconciliationService) settleNotCompleted(ctx context.Context, channel Channel, p *models.Payment, gatewayStatus string, cause error) (*ReconcileResult, error) {
	if gatewayStatus == bkash.StatusInitiated || gatewayStatus == "" {
		s.observe(channel, OutcomePending)
		if cause != nil {
			return nil, classifyGatewayError(cause)
		}
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrPaymentPending, ""), map[string]interface{}{
			"gateway_payment_id": p.PaymentID,
		})
	}
	if p.Status == models.PaymentCompleted {
		// A late negative signal never downgrades a completed payment.
		s.logger.Warn("ignoring non-completed gateway status for completed payment",
			zap.String("gateway_payment_id", p.PaymentID), zap.String("gateway_status", gatewayStatus))
		return s.Materialize(ctx, models.ActorRecovery, channel, p.PaymentID)
	}
	terminal := models.PaymentFailed
	if gatewayStatus == bkash.StatusCancelled {
		terminal = models.PaymentCancelled
	}
	if err := s.payments.MarkTerminal(ctx, nil, p.PaymentID, terminal); err != nil && !errors.Is(err, repository.ErrNotApplied) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update payment")
	}
	s.observe(channel, OutcomeNotCompleted)
	if cause != nil {
		return nil, classifyGatewayError(cause)
	}
	return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrPaymentNotCompleted, ""), map[string]interface{}{
		"gateway_payment_id": p.PaymentID,
		"status_message":     gatewayStatus,
	})
}

// confirm marks the payment Completed, then materializes. Once the gateway has confirmed, both
// steps run detached from the caller so a dropped request cannot stop between them.
func (s *ReconciliationService) confirm(ctx context.Context, actor models.Actor, channel Channel, paymentID, trxID string) (*ReconcileResult, error) {
	ctx = context.WithoutCancel(ctx)
	changed, err := s.payments.MarkCompleted(ctx, nil, paymentID, stringPtr(trxID), s.now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark payment completed")
	}
	if changed {
		s.logger.Info("payment completed", zap.String("gateway_payment_id", paymentID), zap.String("channel", string(channel)))
		if err := audit(ctx, s.audit, nil, actor, models.AuditActionPaymentStatus, "payment", paymentID,
			map[string]string{"status": string(models.PaymentCompleted), "trx_id": trxID, "channel": string(channel)}); err != nil {
			s.logger.Warn("failed to record payment audit event", zap.String("gateway_payment_id", paymentID), zap.Error(err))
		}
	}
	return s.Materialize(ctx, actor, channel, paymentID)
}

// Materialize creates the durable records for a Completed payment exactly once. The payment
// row is locked for the whole transaction, so racing channels queue behind each other and the
// later ones observe the promoted invoice and short-circuit.
func (s *ReconciliationService) Materialize(ctx context.Context, actor models.Actor, channel Channel, paymentID string) (*ReconcileResult, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		result        *ReconcileResult
		provisionalID string
		err           error
	)
	for attempt := 0; attempt < 2; attempt++ {
		result, provisionalID, err = s.materializeOnce(ctx, actor, paymentID)
		if !errors.Is(err, repository.ErrDuplicate) {
			break
		}
		// A concurrent writer created the enrollment after our check; the retry takes the dedup path.
		s.logger.Info("enrollment created concurrently, retrying", zap.String("gateway_payment_id", paymentID))
	}

	log := logger.FromContext(ctx, s.logger).With(zap.String("gateway_payment_id", paymentID), zap.String("channel", string(channel)),
		zap.String("provisional_invoice_id", provisionalID))
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			s.observe(channel, OutcomeNotCompleted)
			return nil, appErr
		}
		log.Error("materialization failed", zap.Error(err))
		if flagErr := s.payments.FlagMaterializationFailure(ctx, paymentID, err.Error()); flagErr != nil {
			log.Error("failed to flag payment for recovery", zap.Error(flagErr))
		}
		s.observe(channel, OutcomeFailed)
		wrapped := appErrors.Wrap(err, appErrors.ErrMaterializationFailed.Code, appErrors.ErrMaterializationFailed.Status, appErrors.ErrMaterializationFailed.Message)
		return nil, appErrors.WithDetails(wrapped, map[string]interface{}{
			"gateway_payment_id":     paymentID,
			"provisional_invoice_id": provisionalID,
		})
	}

	switch {
	case result.AlreadyMaterialized:
		s.observe(channel, OutcomeAlreadyMaterialized)
	case result.Deduplicated:
		log.Info("payment linked to existing enrollment")
		s.observe(channel, OutcomeDeduplicated)
	case result.Kind == models.IntentInvoiceSettlement:
		log.Info("invoices settled")
		s.observe(channel, OutcomeSettled)
	default:
		log.Info("enrollment materialized", zap.String("enrollment_id", result.Enrollment.ID))
		s.observe(channel, OutcomeMaterialized)
	}
	return result, nil
}

func (s *ReconciliationService) materializeOnce(ctx context.Context, actor models.Actor, paymentID string) (*ReconcileResult, string, error) {
	var (
		result        *ReconcileResult
		provisionalID string
	)
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		p, err := s.payments.FindByPaymentIDForUpdate(ctx, exec, paymentID)
		if err != nil {
			if isNoRows(err) {
				return appErrors.Clone(appErrors.ErrNotFound, "payment not found")
			}
			return err
		}
		if p.Status != models.PaymentCompleted {
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrPaymentNotCompleted, ""), map[string]interface{}{
				"gateway_payment_id": paymentID,
				"status_message":     string(p.Status),
			})
		}
		if p.InvoiceID == nil {
			return fmt.Errorf("payment %s has no invoice", paymentID)
		}
		result = &ReconcileResult{PaymentID: paymentID, Status: p.Status}
		if p.TrxID != nil {
			result.TrxID = *p.TrxID
		}

		inv, err := s.invoices.FindByID(ctx, exec, *p.InvoiceID)
		if err != nil {
			return fmt.Errorf("load payment invoice: %w", err)
		}
		if !inv.IsProvisional {
			return s.alreadyDone(ctx, exec, inv, result)
		}
		provisionalID = inv.ID

		intent, err := models.DecodeIntent(inv.Intent.JSONText)
		if err != nil {
			return err
		}
		result.Kind = intent.Kind
		switch intent.Kind {
		case models.IntentEnrollment:
			err = s.materializeEnrollment(ctx, exec, actor, p, inv, intent.Enrollment, result)
		case models.IntentInvoiceSettlement:
			err = s.settleInvoices(ctx, exec, actor, p, inv, intent.Settlement, result)
		default:
			err = fmt.Errorf("unsupported intent kind %q", intent.Kind)
		}
		if err != nil {
			return err
		}
		if p.MaterializationError != nil {
			return s.payments.ClearMaterializationFailure(ctx, exec, p.ID)
		}
		return nil
	})
	return result, provisionalID, err
}

// alreadyDone reports the records an earlier reconciliation produced.
func (s *ReconciliationService) alreadyDone(ctx context.Context, exec sqlx.ExtContext, inv *models.Invoice, result *ReconcileResult) error {
	result.AlreadyMaterialized = true
	result.PaidInvoiceID = inv.ID
	result.Invoices = []models.Invoice{*inv}
	if inv.EnrollmentID == nil {
		return nil
	}
	e, err := s.enrollments.FindByID(ctx, exec, *inv.EnrollmentID)
	if err != nil {
		return fmt.Errorf("load enrollment: %w", err)
	}
	result.Enrollment = e
	return nil
}

func (s *ReconciliationService) materializeEnrollment(ctx context.Context, exec sqlx.ExtContext, actor models.Actor, p *models.Payment, provisional *models.Invoice, in *models.EnrollmentIntent, result *ReconcileResult) error {
	existing, err := s.enrollments.FindActive(ctx, exec, in.StudentID, in.BatchID, in.CourseID)
	switch {
	case err == nil && existing.BatchID == in.BatchID:
		return s.linkExisting(ctx, exec, actor, p, provisional, existing, result)
	case err == nil:
		// The money was for another batch; staff must refund or transfer it.
		return fmt.Errorf("student %s is already active in batch %s of course %s, payment was for batch %s",
			in.StudentID, existing.BatchID, in.CourseID, in.BatchID)
	case !isNoRows(err):
		return fmt.Errorf("check active enrollment: %w", err)
	}

	createdBy := p.CreatedBy
	if createdBy == nil {
		createdBy = stringPtr(actor.ID)
	}
	enrollment := &models.Enrollment{
		StudentID:  in.StudentID,
		BatchID:    in.BatchID,
		CourseID:   in.CourseID,
		StartMonth: in.StartMonth,
		TuitionFee: decimal.NewNullDecimal(in.RecurringTuition),
		CreatedBy:  createdBy,
	}
	if err := s.enrollments.Create(ctx, exec, enrollment); err != nil {
		return err
	}

	invoices, paidID, err := s.createPeriodInvoices(ctx, exec, enrollment, provisional.ID, in, true)
	if err != nil {
		return err
	}
	if err := s.payments.Repoint(ctx, exec, p.ID, paidID); err != nil {
		return err
	}

	result.Enrollment = enrollment
	result.Invoices = invoices
	result.PaidInvoiceID = paidID
	return s.auditMaterialization(ctx, exec, actor, p, enrollment, invoices, paidID)
}

// createPeriodInvoices lays out the opening invoices of an enrollment. The payment funds the
// first period, or the second one when the first is waived; the waiver then adds an unpaid
// third period so the unpaid frontier stays one period ahead. When provisionalID is set the
// provisional invoice becomes the first-period invoice.
func (s *ReconciliationService) createPeriodInvoices(ctx context.Context, exec sqlx.ExtContext, e *models.Enrollment, provisionalID string, in *models.EnrollmentIntent, paid bool) ([]models.Invoice, string, error) {
	recurring := in.RecurringTuition
	firstAmount := recurring
	if in.FirstMonthWaived {
		firstAmount = decimal.Zero
	}
	couponID := stringPtr(in.CouponID)

	first := models.Invoice{EnrollmentID: &e.ID, Month: e.StartMonth, Amount: firstAmount, IsPaid: paid, CouponID: couponID}
	if provisionalID != "" {
		if err := s.invoices.Promote(ctx, exec, provisionalID, e.ID, firstAmount, paid); err != nil {
			return nil, "", err
		}
		first.ID = provisionalID
	} else if err := s.invoices.Create(ctx, exec, &first); err != nil {
		return nil, "", err
	}

	second, err := s.ensureInvoice(ctx, exec, e.ID, e.StartMonth.AddDate(0, 1, 0), recurring, paid && in.FirstMonthWaived)
	if err != nil {
		return nil, "", err
	}
	invoices := []models.Invoice{first, *second}
	paidID := first.ID
	if in.FirstMonthWaived {
		paidID = second.ID
		third, err := s.ensureInvoice(ctx, exec, e.ID, e.StartMonth.AddDate(0, 2, 0), recurring, false)
		if err != nil {
			return nil, "", err
		}
		invoices = append(invoices, *third)
	}
	return invoices, paidID, nil
}

// ensureInvoice creates the (enrollment, month) invoice if it is missing and returns the stored row.
func (s *ReconciliationService) ensureInvoice(ctx context.Context, exec sqlx.ExtContext, enrollmentID string, month time.Time, amount decimal.Decimal, paid bool) (*models.Invoice, error) {
	inv := &models.Invoice{EnrollmentID: &enrollmentID, Month: month, Amount: amount, IsPaid: paid}
	created, err := s.invoices.CreateIfAbsent(ctx, exec, inv)
	if err != nil {
		return nil, err
	}
	if created {
		return inv, nil
	}
	return s.invoices.FindByEnrollmentMonth(ctx, exec, enrollmentID, month)
}

// linkExisting handles a payment whose intent was already fulfilled by another enrollment.
func (s *ReconciliationService) linkExisting(ctx context.Context, exec sqlx.ExtContext, actor models.Actor, p *models.Payment, provisional *models.Invoice, existing *models.Enrollment, result *ReconcileResult) error {
	first, err := s.invoices.FirstForEnrollment(ctx, exec, existing.ID)
	if err != nil {
		return fmt.Errorf("load first invoice of existing enrollment: %w", err)
	}
	if err := s.payments.Repoint(ctx, exec, p.ID, first.ID); err != nil {
		return err
	}
	if _, err := s.invoices.Discard(ctx, exec, provisional.ID); err != nil {
		return err
	}
	result.Enrollment = existing
	result.Deduplicated = true
	result.PaidInvoiceID = first.ID
	result.Invoices = []models.Invoice{*first}

	if err := audit(ctx, s.audit, exec, actor, models.AuditActionPaymentRepoint, "payment", p.PaymentID,
		map[string]string{"invoice_id": first.ID, "enrollment_id": existing.ID}); err != nil {
		return err
	}
	return audit(ctx, s.audit, exec, actor, models.AuditActionInvoiceDiscard, "invoice", provisional.ID,
		map[string]string{"reason": "duplicate enrollment", "gateway_payment_id": p.PaymentID})
}

func (s *ReconciliationService) settleInvoices(ctx context.Context, exec sqlx.ExtContext, actor models.Actor, p *models.Payment, provisional *models.Invoice, in *models.SettlementIntent, result *ReconcileResult) error {
	if len(in.InvoiceIDs) == 0 || len(in.InvoiceIDs) != len(in.Amounts) {
		return fmt.Errorf("settlement intent is malformed")
	}
	locked, err := s.invoices.LockByIDs(ctx, exec, in.InvoiceIDs)
	if err != nil {
		return err
	}
	if len(locked) != len(in.InvoiceIDs) {
		return fmt.Errorf("settlement expected %d invoices, found %d", len(in.InvoiceIDs), len(locked))
	}

	var unpaid []string
	for _, inv := range locked {
		if inv.IsPaid {
			s.logger.Warn("settled invoice was already paid", zap.String("invoice_id", inv.ID), zap.String("gateway_payment_id", p.PaymentID))
			continue
		}
		unpaid = append(unpaid, inv.ID)
	}
	if len(unpaid) > 0 {
		if _, err := s.invoices.MarkPaid(ctx, exec, unpaid); err != nil {
			return err
		}
	}

	allocations := make([]models.PaymentAllocation, len(in.InvoiceIDs))
	for i, id := range in.InvoiceIDs {
		allocations[i] = models.PaymentAllocation{PaymentID: p.ID, InvoiceID: id, Amount: in.Amounts[i]}
	}
	if err := s.payments.CreateAllocations(ctx, exec, allocations); err != nil {
		return err
	}
	if err := s.payments.Repoint(ctx, exec, p.ID, in.InvoiceIDs[0]); err != nil {
		return err
	}
	if _, err := s.invoices.Discard(ctx, exec, provisional.ID); err != nil {
		return err
	}

	for i := range locked {
		locked[i].IsPaid = true
	}
	result.Invoices = locked
	result.PaidInvoiceID = in.InvoiceIDs[0]
	return audit(ctx, s.audit, exec, actor, models.AuditActionInvoiceSettle, "payment", p.PaymentID,
		map[string]interface{}{"invoice_ids": in.InvoiceIDs, "newly_paid": unpaid})
}

func (s *ReconciliationService) auditMaterialization(ctx context.Context, exec sqlx.ExtContext, actor models.Actor, p *models.Payment, e *models.Enrollment, invoices []models.Invoice, paidID string) error {
	if err := audit(ctx, s.audit, exec, actor, models.AuditActionEnrollmentCreate, "enrollment", e.ID,
		map[string]string{"gateway_payment_id": p.PaymentID}); err != nil {
		return err
	}
	for i, inv := range invoices {
		action := models.AuditActionInvoiceCreate
		if i == 0 {
			action = models.AuditActionInvoicePromote
		}
		if err := audit(ctx, s.audit, exec, actor, action, "invoice", inv.ID, map[string]interface{}{
			"enrollment_id": e.ID, "month": inv.Month.Format("2006-01"), "amount": inv.Amount, "is_paid": inv.IsPaid,
		}); err != nil {
			return err
		}
	}
	return audit(ctx, s.audit, exec, actor, models.AuditActionPaymentRepoint, "payment", p.PaymentID,
		map[string]string{"invoice_id": paidID})
}

// RecoverFlagged retries materialization for completed payments that failed to materialize,
// including those still pointing at their provisional invoice without a flag.
func (s *ReconciliationService) RecoverFlagged(ctx context.Context) (int, error) {
	flagged, err := s.payments.ListFlagged(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list flagged payments: %w", err)
	}
	orphaned, err := s.payments.ListUnmaterialized(ctx, s.now().Add(-s.cfg.StalePaymentAge), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unmaterialized payments: %w", err)
	}
	seen := make(map[string]struct{}, len(flagged)+len(orphaned))
	recovered := 0
	for _, p := range append(flagged, orphaned...) {
		if _, ok := seen[p.PaymentID]; ok {
			continue
		}
		seen[p.PaymentID] = struct{}{}
		if _, err := s.Materialize(ctx, models.ActorRecovery, ChannelRecovery, p.PaymentID); err != nil {
			s.logger.Warn("recovery attempt failed", zap.String("gateway_payment_id", p.PaymentID), zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

// RecoverStale queries the gateway for payments left Initiated, healing lost webhooks.
// It stops at the first unavailable answer.
func (s *ReconciliationService) RecoverStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StalePaymentAge)
	stale, err := s.payments.ListStaleInitiated(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale payments: %w", err)
	}
	resolved := 0
	for i := range stale {
		p := &stale[i]
		q, err := s.gateway.QueryPayment(ctx, p.PaymentID)
		if err != nil {
			if bkash.IsUnavailable(err) {
				return resolved, fmt.Errorf("query stale payment %s: %w", p.PaymentID, err)
			}
			s.logger.Warn("stale payment query rejected", zap.String("gateway_payment_id", p.PaymentID), zap.Error(err))
			continue
		}
		switch {
		case q.Completed():
			if _, err := s.confirm(ctx, models.ActorRecovery, ChannelRecovery, p.PaymentID, q.TrxID); err != nil {
				s.logger.Warn("stale payment materialization failed", zap.String("gateway_payment_id", p.PaymentID), zap.Error(err))
				continue
			}
		case q.TransactionStatus == bkash.StatusInitiated:
			continue
		default:
			if _, err := s.settleNotCompleted(ctx, ChannelRecovery, p, q.TransactionStatus, nil); err != nil && !appErrors.HasCode(err, appErrors.ErrPaymentNotCompleted.Code) {
				s.logger.Warn("stale payment update failed", zap.String("gateway_payment_id", p.PaymentID), zap.Error(err))
				continue
			}
		}
		resolved++
	}
	return resolved, nil
}
