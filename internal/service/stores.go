package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/pkg/bkash"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

// txRunner scopes a unit of work in one database transaction.
type txRunner interface {
	WithinTx(ctx context.Context, fn func(exec sqlx.ExtContext) error) error
}

type feeScheduleReader interface {
	FindFeeSchedule(ctx context.Context, batchID string) (*models.FeeSchedule, error)
}

type studentFinder interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type enrollmentStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, e *models.Enrollment) error
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error)
	FindActive(ctx context.Context, exec sqlx.ExtContext, studentID, batchID, courseID string) (*models.Enrollment, error)
	SetActive(ctx context.Context, exec sqlx.ExtContext, id string, active bool) error
	ListBillable(ctx context.Context, month time.Time) ([]models.EnrollmentBilling, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error)
}

type invoiceStore interface {
	CreateProvisional(ctx context.Context, inv *models.Invoice) error
	Create(ctx context.Context, exec sqlx.ExtContext, inv *models.Invoice) error
	CreateIfAbsent(ctx context.Context, exec sqlx.ExtContext, inv *models.Invoice) (bool, error)
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Invoice, error)
	FindByEnrollmentMonth(ctx context.Context, exec sqlx.ExtContext, enrollmentID string, month time.Time) (*models.Invoice, error)
	FirstForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (*models.Invoice, error)
	Promote(ctx context.Context, exec sqlx.ExtContext, id, enrollmentID string, amount decimal.Decimal, paid bool) error
	Discard(ctx context.Context, exec sqlx.ExtContext, id string) (bool, error)
	LockByIDs(ctx context.Context, exec sqlx.ExtContext, ids []string) ([]models.Invoice, error)
	MarkPaid(ctx context.Context, exec sqlx.ExtContext, ids []string) (int64, error)
	ListDueByIDs(ctx context.Context, ids []string) ([]models.InvoiceDue, error)
	ListDue(ctx context.Context, upTo time.Time) ([]models.InvoiceDue, error)
	ListPending(ctx context.Context, filter models.InvoiceFilter) ([]models.InvoiceDue, int, error)
}

type paymentStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, p *models.Payment) error
	FindByPaymentID(ctx context.Context, exec sqlx.ExtContext, paymentID string) (*models.Payment, error)
	FindByPaymentIDForUpdate(ctx context.Context, exec sqlx.ExtContext, paymentID string) (*models.Payment, error)
	MarkCompleted(ctx context.Context, exec sqlx.ExtContext, paymentID string, trxID *string, executedAt time.Time) (bool, error)
	MarkTerminal(ctx context.Context, exec sqlx.ExtContext, paymentID string, status models.PaymentStatus) error
	Repoint(ctx context.Context, exec sqlx.ExtContext, id, invoiceID string) error
	FlagMaterializationFailure(ctx context.Context, paymentID, reason string) error
	ClearMaterializationFailure(ctx context.Context, exec sqlx.ExtContext, id string) error
	ListFlagged(ctx context.Context, limit int) ([]models.Payment, error)
	ListUnmaterialized(ctx context.Context, before time.Time, limit int) ([]models.Payment, error)
	ListStaleInitiated(ctx context.Context, before time.Time, limit int) ([]models.Payment, error)
	ListHistory(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, int, error)
	CreateAllocations(ctx context.Context, exec sqlx.ExtContext, allocations []models.PaymentAllocation) error
}

type auditAppender interface {
	Append(ctx context.Context, exec sqlx.ExtContext, ev *models.AuditEvent) error
}

type gatewayEventStore interface {
	Insert(ctx context.Context, ev *models.GatewayEvent) error
	MarkHandled(ctx context.Context, id string, status models.GatewayEventStatus, errMsg *string) error
}

// paymentGateway is the subset of the bKash client the services drive.
type paymentGateway interface {
	CreatePayment(ctx context.Context, req bkash.CreatePaymentRequest) (*bkash.CreatePaymentResponse, error)
	ExecutePayment(ctx context.Context, paymentID string) (*bkash.PaymentResult, error)
	QueryPayment(ctx context.Context, paymentID string) (*bkash.PaymentResult, error)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// classifyGatewayError converts client errors into response errors. Unavailability is never
// reported as a payment failure.
func classifyGatewayError(err error) error {
	if err == nil {
		return nil
	}
	if bkash.IsUnavailable(err) {
		return appErrors.Wrap(err, appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, appErrors.ErrGatewayUnavailable.Message)
	}
	if ge, ok := bkash.AsGatewayError(err); ok {
		wrapped := appErrors.Wrap(err, appErrors.ErrGateway.Code, appErrors.ErrGateway.Status, ge.Message)
		return appErrors.WithDetails(wrapped, map[string]interface{}{
			"status_code":    ge.Code,
			"status_message": ge.Message,
		})
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "payment gateway call failed")
}

func audit(ctx context.Context, log auditAppender, exec sqlx.ExtContext, actor models.Actor, action, resource, resourceID string, payload interface{}) error {
	if log == nil {
		return nil
	}
	ev := &models.AuditEvent{
		ActorID:    actor.ID,
		ActorKind:  actor.Kind,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
	}
	if ev.ActorKind == "" {
		ev.ActorKind = models.ActorUser
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		ev.Payload = raw
	}
	return log.Append(ctx, exec, ev)
}

func pagination(page, size, total int) *models.Pagination {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return &models.Pagination{Page: page, PageSize: size, TotalCount: total}
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nopLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
