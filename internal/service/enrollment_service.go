package service

import (
	"context"
	"errors"
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

type couponResolver interface {
	Resolve(ctx context.Context, code string) (*models.Discounts, error)
}

// EnrollmentQuoteRequest asks for the price of joining a batch.
type EnrollmentQuoteRequest struct {
	StudentID  string `json:"student_id" validate:"required"`
	BatchID    string `json:"batch_id" validate:"required"`
	CouponCode string `json:"coupon_code" validate:"omitempty,max=32"`
	StartMonth string `json:"start_month" validate:"omitempty,datetime=2006-01"`
}

// InitiateEnrollmentPaymentRequest opens a gateway checkout for an enrollment.
type InitiateEnrollmentPaymentRequest struct {
	StudentID  string `json:"student_id" validate:"required"`
	BatchID    string `json:"batch_id" validate:"required"`
	CouponCode string `json:"coupon_code" validate:"omitempty,max=32"`
	StartMonth string `json:"start_month" validate:"omitempty,datetime=2006-01"`
	PayerPhone string `json:"payer_phone" validate:"omitempty,max=20"`
}

// CreateEnrollmentRequest is the administrative enrollment path, outside the gateway.
type CreateEnrollmentRequest struct {
	StudentID  string           `json:"student_id" validate:"required"`
	BatchID    string           `json:"batch_id" validate:"required"`
	CouponCode string           `json:"coupon_code" validate:"omitempty,max=32"`
	StartMonth string           `json:"start_month" validate:"omitempty,datetime=2006-01"`
	TuitionFee *decimal.Decimal `json:"tuition_fee"`
}

// EnrollmentQuote is a fee quote bound to a student and start month.
type EnrollmentQuote struct {
	FeeQuote
	StudentID  string    `json:"student_id"`
	StartMonth time.Time `json:"start_month"`
	BatchName  string    `json:"batch_name"`
	CourseName string    `json:"course_name"`
}

// EnrollmentConfig carries deployment settings for enrollment checkout.
type EnrollmentConfig struct {
	CallbackURL string
	Location    *time.Location
}

// EnrollmentService prices enrollments, opens checkouts and manages enrollment state.
type EnrollmentService struct {
	tx          txRunner
	schedules   feeScheduleReader
	students    studentFinder
	enrollments enrollmentStore
	invoices    invoiceStore
	coupons     couponResolver
	calculator  *FeeCalculator
	checkout    *checkout
	audit       auditAppender
	validator   *validator.Validate
	logger      *zap.Logger
	loc         *time.Location
	now         func() time.Time
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(tx txRunner, schedules feeScheduleReader, students studentFinder, enrollments enrollmentStore, invoices invoiceStore, payments paymentStore, coupons couponResolver, calculator *FeeCalculator, gateway paymentGateway, audit auditAppender, validate *validator.Validate, logger *zap.Logger, cfg EnrollmentConfig) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	logger = nopLogger(logger)
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if calculator == nil {
		calculator = NewFeeCalculator(decimal.Zero)
	}
	return &EnrollmentService{
		tx:          tx,
		schedules:   schedules,
		students:    students,
		enrollments: enrollments,
		invoices:    invoices,
		coupons:     coupons,
		calculator:  calculator,
		checkout: &checkout{
			invoices:    invoices,
			payments:    payments,
			gateway:     gateway,
			audit:       audit,
			logger:      logger,
			callbackURL: cfg.CallbackURL,
		},
		audit:     audit,
		validator: validate,
		logger:    logger,
		loc:       cfg.Location,
		now:       time.Now,
	}
}

type enrollmentContext struct {
	student    *models.Student
	schedule   *models.FeeSchedule
	discounts  *models.Discounts
	startMonth time.Time
}

// Quote prices an enrollment for a student without changing anything.
func (s *EnrollmentService) Quote(ctx context.Context, actor models.Actor, req EnrollmentQuoteRequest) (*EnrollmentQuote, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	ec, err := s.prepare(ctx, actor, req.StudentID, req.BatchID, req.CouponCode, req.StartMonth)
	if err != nil {
		return nil, err
	}
	return s.quote(ec), nil
}

// InitiatePayment stages the enrollment intent and opens a bKash checkout for the quoted total.
func (s *EnrollmentService) InitiatePayment(ctx context.Context, actor models.Actor, req InitiateEnrollmentPaymentRequest) (*PaymentInitiation, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	ec, err := s.prepare(ctx, actor, req.StudentID, req.BatchID, req.CouponCode, req.StartMonth)
	if err != nil {
		return nil, err
	}
	q := s.quote(ec)

	intent := models.EnrollmentIntent{
		StudentID:          ec.student.ID,
		BatchID:            ec.schedule.BatchID,
		CourseID:           ec.schedule.CourseID,
		StartMonth:         ec.startMonth,
		AdmissionFee:       q.AdmissionFee,
		FirstPeriodTuition: q.FirstPeriodTuition,
		RecurringTuition:   q.RecurringTuition,
		TotalPayable:       q.TotalPayable,
		PayerPhone:         req.PayerPhone,
	}
	var couponID *string
	if d := ec.discounts; d != nil {
		intent.CouponCode, intent.CouponID = d.CouponCode, d.CouponID
		intent.AdmissionWaived, intent.FirstMonthWaived = d.AdmissionWaived, d.FirstMonthWaived
		intent.TuitionPercent = d.TuitionPercent
		couponID = stringPtr(d.CouponID)
	}

	payer := req.PayerPhone
	if payer == "" && ec.student.Phone != nil {
		payer = *ec.student.Phone
	}
	if payer == "" {
		payer = ec.student.ID
	}

	started, err := s.checkout.open(ctx, checkoutRequest{
		Actor:    actor,
		Intent:   models.NewEnrollmentIntent(intent),
		Month:    models.Invoice{Month: ec.startMonth, CouponID: couponID},
		Amount:   q.TotalPayable,
		Prefix:   "ENR",
		RefParts: []string{shortID(ec.student.ID), shortID(ec.schedule.BatchID)},
		Payer:    payer,
	})
	if err != nil {
		return nil, err
	}
	started.Quote = &q.FeeQuote
	return started, nil
}

// Create enrolls a student directly, for staff handling offline payments. The first period is
// billed unpaid unless it costs nothing.
func (s *EnrollmentService) Create(ctx context.Context, actor models.Actor, req CreateEnrollmentRequest) (*models.Enrollment, error) {
	if !actor.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only staff can enroll directly")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	if req.TuitionFee != nil && req.TuitionFee.IsNegative() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "tuition_fee must not be negative")
	}
	ec, err := s.prepare(ctx, actor, req.StudentID, req.BatchID, req.CouponCode, req.StartMonth)
	if err != nil {
		return nil, err
	}
	q := s.quote(ec)
	recurring := q.RecurringTuition
	if req.TuitionFee != nil {
		recurring = req.TuitionFee.Round(2)
	}
	first := recurring
	var couponID *string
	if ec.discounts != nil {
		couponID = stringPtr(ec.discounts.CouponID)
		if ec.discounts.FirstMonthWaived {
			first = decimal.Zero
		}
	}

	enrollment := &models.Enrollment{
		StudentID:  ec.student.ID,
		BatchID:    ec.schedule.BatchID,
		CourseID:   ec.schedule.CourseID,
		StartMonth: ec.startMonth,
		TuitionFee: decimal.NewNullDecimal(recurring),
		CreatedBy:  stringPtr(actor.ID),
	}
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		if err := s.enrollments.Create(ctx, exec, enrollment); err != nil {
			return err
		}
		inv := &models.Invoice{EnrollmentID: &enrollment.ID, Month: ec.startMonth, Amount: first, IsPaid: first.IsZero(), CouponID: couponID}
		if err := s.invoices.Create(ctx, exec, inv); err != nil {
			return err
		}
		if err := audit(ctx, s.audit, exec, actor, models.AuditActionEnrollmentCreate, "enrollment", enrollment.ID,
			map[string]string{"channel": "admin"}); err != nil {
			return err
		}
		return audit(ctx, s.audit, exec, actor, models.AuditActionInvoiceCreate, "invoice", inv.ID,
			map[string]interface{}{"enrollment_id": enrollment.ID, "amount": inv.Amount})
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}
	s.logger.Info("enrollment created", zap.String("enrollment_id", enrollment.ID), zap.String("actor_id", actor.ID))
	return enrollment, nil
}

// Deactivate ends an enrollment logically. History stays intact.
func (s *EnrollmentService) Deactivate(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	return s.setActive(ctx, actor, id, false)
}

// Reactivate restores an enrollment unless another active one now occupies its slot.
func (s *EnrollmentService) Reactivate(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	return s.setActive(ctx, actor, id, true)
}

func (s *EnrollmentService) setActive(ctx context.Context, actor models.Actor, id string, active bool) (*models.Enrollment, error) {
	if !actor.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only staff can change enrollment state")
	}
	action := models.AuditActionEnrollmentDeactivate
	if active {
		action = models.AuditActionEnrollmentReactivate
	}
	var enrollment *models.Enrollment
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		if err := s.enrollments.SetActive(ctx, exec, id, active); err != nil {
			return err
		}
		if err := audit(ctx, s.audit, exec, actor, action, "enrollment", id, nil); err != nil {
			return err
		}
		var err error
		enrollment, err = s.enrollments.FindByID(ctx, exec, id)
		return err
	})
	switch {
	case err == nil:
		return enrollment, nil
	case errors.Is(err, repository.ErrDuplicate):
		return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "another active enrollment occupies this batch or course")
	case errors.Is(err, repository.ErrNotApplied):
		if _, findErr := s.enrollments.FindByID(ctx, nil, id); isNoRows(findErr) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment already in requested state")
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment")
	}
}

// List returns enrollments; parents only see their own students.
func (s *EnrollmentService) List(ctx context.Context, actor models.Actor, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error) {
	if !actor.IsStaff() {
		filter.ParentID = actor.ID
	}
	items, total, err := s.enrollments.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	return items, pagination(filter.Page, filter.PageSize, total), nil
}

func (s *EnrollmentService) prepare(ctx context.Context, actor models.Actor, studentID, batchID, couponCode, month string) (*enrollmentContext, error) {
	if actor.IsZero() {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !actor.IsStaff() && student.ParentID != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "student belongs to another account")
	}

	schedule, err := s.schedules.FindFeeSchedule(ctx, batchID)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "batch not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load fee schedule")
	}
	if !schedule.BatchActive || !schedule.CourseActive {
		return nil, appErrors.Clone(appErrors.ErrValidation, "batch is not open for enrollment")
	}

	existing, err := s.enrollments.FindActive(ctx, nil, student.ID, schedule.BatchID, schedule.CourseID)
	switch {
	case err == nil:
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrAlreadyEnrolled, ""), map[string]interface{}{
			"enrollment_id": existing.ID,
		})
	case !isNoRows(err):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}

	discounts, err := s.coupons.Resolve(ctx, couponCode)
	if err != nil {
		return nil, err
	}

	start := models.NormalizeMonth(s.now(), s.loc)
	if month != "" {
		parsed, err := time.Parse("2006-01", month)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "start_month must be YYYY-MM")
		}
		start = parsed
	}
	return &enrollmentContext{student: student, schedule: schedule, discounts: discounts, startMonth: start}, nil
}

func (s *EnrollmentService) quote(ec *enrollmentContext) *EnrollmentQuote {
	return &EnrollmentQuote{
		FeeQuote:   s.calculator.Calculate(*ec.schedule, ec.discounts),
		StudentID:  ec.student.ID,
		StartMonth: ec.startMonth,
		BatchName:  ec.schedule.BatchName,
		CourseName: ec.schedule.CourseName,
	}
}

// shortID keeps merchant references readable when ids are UUIDs.
func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
