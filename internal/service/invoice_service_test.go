package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

type recordingInvoiceObserver struct {
	mu      sync.Mutex
	created map[string]int
}

func (o *recordingInvoiceObserver) ObserveInvoicesGenerated(trigger string, created int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.created == nil {
		o.created = map[string]int{}
	}
	o.created[trigger] += created
}

func newInvoiceHarness(t *testing.T) (*harness, *InvoiceService, *recordingInvoiceObserver) {
	t.Helper()
	h := newHarness(t)
	obs := &recordingInvoiceObserver{}
	settings := NewSettingsService(fakeTx{h.db}, fakeSettings{h.db}, fakeAudit{h.db}, nil, nil)
	svc := NewInvoiceService(fakeTx{h.db}, fakeEnrollments{h.db}, fakeInvoices{h.db}, fakePayments{h.db}, settings, fakeAudit{h.db}, obs, nil, nil, time.UTC)
	svc.now = func() time.Time { return time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC) }
	return h, svc, obs
}

func TestGenerateMonthlyIsIdempotent(t *testing.T) {
	h, svc, obs := newInvoiceHarness(t)
	e, err := h.enroll.Create(context.Background(), adminActor, CreateEnrollmentRequest{StudentID: "student-1", BatchID: "batch-1"})
	require.NoError(t, err)

	june := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	report, err := svc.GenerateMonthly(context.Background(), adminActor, "manual", june)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Billable)
	assert.Equal(t, 1, report.Created)

	report, err = svc.GenerateMonthly(context.Background(), adminActor, "manual", june.Add(36*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, report.Existing)

	var junes []models.Invoice
	for _, inv := range h.db.invoicesFor(e.ID) {
		if inv.Month.Equal(june) {
			junes = append(junes, inv)
		}
	}
	require.Len(t, junes, 1)
	assert.Equal(t, "1000", junes[0].Amount.String())
	assert.False(t, junes[0].IsPaid)
	assert.Equal(t, 1, obs.created["manual"])
}

func TestGenerateMonthlyUsesStoredFee(t *testing.T) {
	h, svc, _ := newInvoiceHarness(t)
	pay := h.initiate(t, "batch-1", "WAIVE50")
	res, err := h.recon.Complete(context.Background(), parentActor, pay.PaymentID)
	require.NoError(t, err)

	june := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.GenerateMonthly(context.Background(), models.ActorScheduler, "scheduler", june)
	require.NoError(t, err)

	invoices := h.db.invoicesFor(res.Enrollment.ID)
	last := invoices[len(invoices)-1]
	assert.True(t, last.Month.Equal(june))
	assert.Equal(t, "500", last.Amount.String())
}

func TestGenerateMonthlyMarksZeroFeePaid(t *testing.T) {
	h, svc, _ := newInvoiceHarness(t)
	zero := dec("0")
	e, err := h.enroll.Create(context.Background(), adminActor, CreateEnrollmentRequest{StudentID: "student-1", BatchID: "batch-1", TuitionFee: &zero})
	require.NoError(t, err)

	april := marchStart.AddDate(0, 1, 0)
	_, err = svc.GenerateMonthly(context.Background(), adminActor, "manual", april)
	require.NoError(t, err)

	invoices := h.db.invoicesFor(e.ID)
	last := invoices[len(invoices)-1]
	assert.True(t, last.Month.Equal(april))
	assert.True(t, last.IsPaid)
}

func TestGenerateRequiresStaff(t *testing.T) {
	_, svc, _ := newInvoiceHarness(t)
	_, err := svc.Generate(context.Background(), parentActor, GenerateInvoicesRequest{})
	requireAppError(t, err, appErrors.ErrForbidden.Code)

	_, err = svc.Generate(context.Background(), adminActor, GenerateInvoicesRequest{Month: "June"})
	requireAppError(t, err, appErrors.ErrValidation.Code)

	report, err := svc.Generate(context.Background(), adminActor, GenerateInvoicesRequest{})
	require.NoError(t, err)
	assert.Equal(t, "2024-04", report.Month.Format("2006-01"))
}

func TestRunScheduledGenerationWindow(t *testing.T) {
	h, svc, obs := newInvoiceHarness(t)
	e, err := h.enroll.Create(context.Background(), adminActor, CreateEnrollmentRequest{StudentID: "student-1", BatchID: "batch-1"})
	require.NoError(t, err)

	report, err := svc.RunScheduled(context.Background(), time.Date(2024, time.March, 10, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "21 days before month end", report.Skipped)
	assert.Len(t, h.db.invoicesFor(e.ID), 1)

	report, err = svc.RunScheduled(context.Background(), time.Date(2024, time.March, 25, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, "2024-04", report.Month.Format("2006-01"))
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, obs.created["scheduler"])

	invoices := h.db.invoicesFor(e.ID)
	require.Len(t, invoices, 2)
	assert.True(t, invoices[1].Month.Equal(marchStart.AddDate(0, 1, 0)))
	assert.Contains(t, h.db.auditActions(), models.AuditActionInvoiceCreate)
}

func TestRunScheduledGenerationDisabled(t *testing.T) {
	h, svc, _ := newInvoiceHarness(t)
	h.db.setSetting(models.SettingAutoGenerateInvoices, "false")

	report, err := svc.RunScheduled(context.Background(), time.Date(2024, time.March, 30, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "auto generation disabled", report.Skipped)
	assert.Zero(t, report.Created)
}

func TestCreateManualMarkPaid(t *testing.T) {
	h, svc, _ := newInvoiceHarness(t)
	e, err := h.enroll.Create(context.Background(), adminActor, CreateEnrollmentRequest{StudentID: "student-1", BatchID: "batch-1"})
	require.NoError(t, err)

	res, err := svc.CreateManual(context.Background(), adminActor, ManualInvoiceRequest{
		EnrollmentID: e.ID,
		Month:        "2024-05",
		Amount:       dec("750.456"),
		MarkPaid:     true,
		Reference:    " cash desk ",
	})
	require.NoError(t, err)
	assert.True(t, res.Invoice.IsPaid)
	assert.Equal(t, "750.46", res.Invoice.Amount.String())
	require.NotNil(t, res.Payment)
	assert.Regexp(t, `^MANUAL-20240310-[0-9A-F]{6}$`, res.Payment.PaymentID)
	assert.Equal(t, models.PaymentMethodManual, res.Payment.Method)
	assert.Equal(t, models.PaymentCompleted, res.Payment.Status)
	assert.Equal(t, "cash desk", res.Payment.PayerReference)

	stored := h.db.payment(res.Payment.PaymentID)
	assert.Equal(t, models.PaymentCompleted, stored.Status)
	require.Len(t, h.db.allocations, 1)
	assert.Equal(t, res.Invoice.ID, h.db.allocations[0].InvoiceID)
}

func TestCreateManualUnpaid(t *testing.T) {
	h, svc, _ := newInvoiceHarness(t)
	e, err := h.enroll.Create(context.Background(), adminActor, CreateEnrollmentRequest{StudentID: "student-1", BatchID: "batch-1"})
	require.NoError(t, err)

	res, err := svc.CreateManual(context.Background(), adminActor, ManualInvoiceRequest{EnrollmentID: e.ID, Month: "2024-05", Amount: dec("1000")})
	require.NoError(t, err)
	assert.False(t, res.Invoice.IsPaid)
	assert.Nil(t, res.Payment)
	assert.Empty(t, h.db.allocations)
}

func TestCreateManualErrors(t *testing.T) {
	h, svc, _ := newInvoiceHarness(t)
	e, err := h.enroll.Create(context.Background(), adminActor, CreateEnrollmentRequest{StudentID: "student-1", BatchID: "batch-1"})
	require.NoError(t, err)

	_, err = svc.CreateManual(context.Background(), parentActor, ManualInvoiceRequest{EnrollmentID: e.ID, Month: "2024-05"})
	requireAppError(t, err, appErrors.ErrForbidden.Code)

	_, err = svc.CreateManual(context.Background(), adminActor, ManualInvoiceRequest{EnrollmentID: e.ID, Month: "2024-05", Amount: dec("-1")})
	requireAppError(t, err, appErrors.ErrValidation.Code)

	_, err = svc.CreateManual(context.Background(), adminActor, ManualInvoiceRequest{EnrollmentID: "missing", Month: "2024-05"})
	requireAppError(t, err, appErrors.ErrNotFound.Code)

	_, err = svc.CreateManual(context.Background(), adminActor, ManualInvoiceRequest{EnrollmentID: e.ID, Month: "2024-03", Amount: dec("1000"), MarkPaid: true})
	requireAppError(t, err, appErrors.ErrConflict.Code)
	assert.Empty(t, h.db.allocations)
}

func TestListPendingScopesParents(t *testing.T) {
	h, svc, _ := newInvoiceHarness(t)
	_, invoices := enrolledWithDues(t, h)
	h.db.seedStudent("student-2", "parent-2", "01812345678")
	other, err := h.enroll.Create(context.Background(), adminActor, CreateEnrollmentRequest{StudentID: "student-2", BatchID: "batch-2"})
	require.NoError(t, err)

	items, page, err := svc.ListPending(context.Background(), parentActor, PendingInvoiceQuery{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, invoices[0].ID, items[0].InvoiceID)
	assert.Equal(t, 2, page.TotalCount)

	items, _, err = svc.ListPending(context.Background(), parentActor, PendingInvoiceQuery{UpTo: "2024-03"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, _, err = svc.ListPending(context.Background(), adminActor, PendingInvoiceQuery{StudentID: "student-2"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, other.ID, items[0].EnrollmentID)

	_, _, err = svc.ListPending(context.Background(), parentActor, PendingInvoiceQuery{UpTo: "03/2024"})
	requireAppError(t, err, appErrors.ErrValidation.Code)
}
