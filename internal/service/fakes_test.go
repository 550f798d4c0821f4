package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/repository"
	"github.com/noah-isme/tuition-billing-api/pkg/bkash"
	"github.com/noah-isme/tuition-billing-api/pkg/sms"
)

// memDB is an in-memory stand-in for Postgres. Transactions are serialised and roll back
// by restoring a snapshot, which matches the row-lock behaviour the services rely on.
type memDB struct {
	mu   sync.Mutex
	txMu sync.Mutex

	enrollments map[string]models.Enrollment
	invoices    map[string]models.Invoice
	payments    map[string]models.Payment
	allocations []models.PaymentAllocation
	coupons     map[string]models.Coupon
	audit       []models.AuditEvent
	events      map[string]models.GatewayEvent
	schedules   map[string]models.FeeSchedule
	students    map[string]models.Student
	settings    map[string]models.Setting

	failPromote error
	failAudit   error
}

func newMemDB() *memDB {
	return &memDB{
		enrollments: map[string]models.Enrollment{},
		invoices:    map[string]models.Invoice{},
		payments:    map[string]models.Payment{},
		coupons:     map[string]models.Coupon{},
		events:      map[string]models.GatewayEvent{},
		schedules:   map[string]models.FeeSchedule{},
		students:    map[string]models.Student{},
		settings:    map[string]models.Setting{},
	}
}

type memSnapshot struct {
	enrollments map[string]models.Enrollment
	invoices    map[string]models.Invoice
	payments    map[string]models.Payment
	allocations []models.PaymentAllocation
	audit       []models.AuditEvent
}

func (db *memDB) snapshot() memSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := memSnapshot{
		enrollments: make(map[string]models.Enrollment, len(db.enrollments)),
		invoices:    make(map[string]models.Invoice, len(db.invoices)),
		payments:    make(map[string]models.Payment, len(db.payments)),
		allocations: append([]models.PaymentAllocation(nil), db.allocations...),
		audit:       append([]models.AuditEvent(nil), db.audit...),
	}
	for k, v := range db.enrollments {
		s.enrollments[k] = v
	}
	for k, v := range db.invoices {
		s.invoices[k] = v
	}
	for k, v := range db.payments {
		s.payments[k] = v
	}
	return s
}

func (db *memDB) restore(s memSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.enrollments, db.invoices, db.payments = s.enrollments, s.invoices, s.payments
	db.allocations, db.audit = s.allocations, s.audit
}

// seedBatch registers a course/batch fee schedule and a student owned by parent.
func (db *memDB) seedBatch(batchID, courseID string, admission, tuition int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.schedules[batchID] = models.FeeSchedule{
		BatchID:          batchID,
		BatchName:        "Batch " + batchID,
		CourseID:         courseID,
		CourseName:       "Course " + courseID,
		AdmissionFee:     decimal.NewFromInt(admission),
		CourseMonthlyFee: decimal.NewFromInt(tuition),
		BatchActive:      true,
		CourseActive:     true,
	}
}

func (db *memDB) seedStudent(id, parentID, phone string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.students[id] = models.Student{ID: id, ParentID: parentID, Name: "Student " + id, Phone: stringPtr(phone)}
}

func (db *memDB) seedCoupon(c models.Coupon) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	db.coupons[c.ID] = c
}

func (db *memDB) enrollmentList() []models.Enrollment {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]models.Enrollment, 0, len(db.enrollments))
	for _, e := range db.enrollments {
		out = append(out, e)
	}
	return out
}

// invoicesFor returns an enrollment's invoices ordered by month.
func (db *memDB) invoicesFor(enrollmentID string) []models.Invoice {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.Invoice
	for _, inv := range db.invoices {
		if inv.EnrollmentID != nil && *inv.EnrollmentID == enrollmentID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out
}

func (db *memDB) provisionalCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, inv := range db.invoices {
		if inv.IsProvisional {
			n++
		}
	}
	return n
}

func (db *memDB) payment(paymentID string) models.Payment {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, p := range db.payments {
		if p.PaymentID == paymentID {
			return p
		}
	}
	return models.Payment{}
}

func (db *memDB) auditActions() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, len(db.audit))
	for i, ev := range db.audit {
		out[i] = ev.Action
	}
	return out
}

type fakeTx struct{ db *memDB }

func (f fakeTx) WithinTx(ctx context.Context, fn func(exec sqlx.ExtContext) error) error {
	f.db.txMu.Lock()
	defer f.db.txMu.Unlock()
	snap := f.db.snapshot()
	if err := fn(nil); err != nil {
		f.db.restore(snap)
		return err
	}
	return nil
}

type fakeSchedules struct {
	db    *memDB
	calls int32
}

func (f *fakeSchedules) FindFeeSchedule(_ context.Context, batchID string) (*models.FeeSchedule, error) {
	atomic.AddInt32(&f.calls, 1)
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.schedules[batchID]
	if !ok {
		return nil, fmt.Errorf("find fee schedule: %w", sql.ErrNoRows)
	}
	return &s, nil
}

type fakeStudents struct{ db *memDB }

func (f fakeStudents) FindByID(_ context.Context, id string) (*models.Student, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.students[id]
	if !ok {
		return nil, fmt.Errorf("find student: %w", sql.ErrNoRows)
	}
	return &s, nil
}

type fakeEnrollments struct{ db *memDB }

func (f fakeEnrollments) Create(_ context.Context, _ sqlx.ExtContext, e *models.Enrollment) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, other := range f.db.enrollments {
		if other.IsActive && other.StudentID == e.StudentID && (other.BatchID == e.BatchID || other.CourseID == e.CourseID) {
			return fmt.Errorf("insert enrollment: %w", repository.ErrDuplicate)
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.IsActive = true
	e.CreatedAt, e.UpdatedAt = time.Now().UTC(), time.Now().UTC()
	f.db.enrollments[e.ID] = *e
	return nil
}

func (f fakeEnrollments) FindByID(_ context.Context, _ sqlx.ExtContext, id string) (*models.Enrollment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	e, ok := f.db.enrollments[id]
	if !ok {
		return nil, fmt.Errorf("find enrollment: %w", sql.ErrNoRows)
	}
	return &e, nil
}

func (f fakeEnrollments) FindActive(_ context.Context, _ sqlx.ExtContext, studentID, batchID, courseID string) (*models.Enrollment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var match *models.Enrollment
	for _, e := range f.db.enrollments {
		if !e.IsActive || e.StudentID != studentID {
			continue
		}
		e := e
		if e.BatchID == batchID {
			return &e, nil
		}
		if e.CourseID == courseID {
			match = &e
		}
	}
	if match == nil {
		return nil, fmt.Errorf("find active enrollment: %w", sql.ErrNoRows)
	}
	return match, nil
}

func (f fakeEnrollments) SetActive(_ context.Context, _ sqlx.ExtContext, id string, active bool) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	e, ok := f.db.enrollments[id]
	if !ok || e.IsActive == active {
		return repository.ErrNotApplied
	}
	if active {
		for _, other := range f.db.enrollments {
			if other.ID != id && other.IsActive && other.StudentID == e.StudentID && (other.BatchID == e.BatchID || other.CourseID == e.CourseID) {
				return fmt.Errorf("update enrollment state: %w", repository.ErrDuplicate)
			}
		}
	}
	e.IsActive = active
	f.db.enrollments[id] = e
	return nil
}

func (f fakeEnrollments) ListBillable(_ context.Context, month time.Time) ([]models.EnrollmentBilling, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.EnrollmentBilling
	for _, e := range f.db.enrollments {
		if !e.IsActive || !e.StartMonth.Before(month) {
			continue
		}
		s := f.db.schedules[e.BatchID]
		out = append(out, models.EnrollmentBilling{Enrollment: e, BatchTuitionFee: s.BatchTuitionFee, CourseMonthlyFee: s.CourseMonthlyFee})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f fakeEnrollments) List(_ context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.Enrollment
	for _, e := range f.db.enrollments {
		if filter.StudentID != "" && e.StudentID != filter.StudentID {
			continue
		}
		if filter.ParentID != "" && f.db.students[e.StudentID].ParentID != filter.ParentID {
			continue
		}
		if filter.Active != nil && e.IsActive != *filter.Active {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

type fakeInvoices struct{ db *memDB }

func (f fakeInvoices) CreateProvisional(_ context.Context, inv *models.Invoice) error {
	if !inv.Intent.Valid {
		return fmt.Errorf("create provisional invoice: intent is required")
	}
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	inv.ID = uuid.NewString()
	inv.IsProvisional, inv.EnrollmentID, inv.IsPaid = true, nil, false
	f.db.invoices[inv.ID] = *inv
	return nil
}

func (f fakeInvoices) insertLocked(inv *models.Invoice) (bool, error) {
	for _, other := range f.db.invoices {
		if other.EnrollmentID != nil && *other.EnrollmentID == *inv.EnrollmentID && other.Month.Equal(inv.Month) {
			return false, nil
		}
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	inv.IsProvisional = false
	inv.Intent = types.NullJSONText{}
	f.db.invoices[inv.ID] = *inv
	return true, nil
}

func (f fakeInvoices) Create(_ context.Context, _ sqlx.ExtContext, inv *models.Invoice) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	created, err := f.insertLocked(inv)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("insert invoice: %w", repository.ErrDuplicate)
	}
	return nil
}

func (f fakeInvoices) CreateIfAbsent(_ context.Context, _ sqlx.ExtContext, inv *models.Invoice) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return f.insertLocked(inv)
}

func (f fakeInvoices) FindByID(_ context.Context, _ sqlx.ExtContext, id string) (*models.Invoice, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	inv, ok := f.db.invoices[id]
	if !ok {
		return nil, fmt.Errorf("find invoice: %w", sql.ErrNoRows)
	}
	return &inv, nil
}

func (f fakeInvoices) FindByEnrollmentMonth(_ context.Context, _ sqlx.ExtContext, enrollmentID string, month time.Time) (*models.Invoice, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, inv := range f.db.invoices {
		if inv.EnrollmentID != nil && *inv.EnrollmentID == enrollmentID && inv.Month.Equal(month) {
			return &inv, nil
		}
	}
	return nil, fmt.Errorf("find invoice by month: %w", sql.ErrNoRows)
}

func (f fakeInvoices) FirstForEnrollment(_ context.Context, _ sqlx.ExtContext, enrollmentID string) (*models.Invoice, error) {
	list := f.db.invoicesFor(enrollmentID)
	if len(list) == 0 {
		return nil, fmt.Errorf("find first invoice: %w", sql.ErrNoRows)
	}
	return &list[0], nil
}

func (f fakeInvoices) Promote(_ context.Context, _ sqlx.ExtContext, id, enrollmentID string, amount decimal.Decimal, paid bool) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if f.db.failPromote != nil {
		return f.db.failPromote
	}
	inv, ok := f.db.invoices[id]
	if !ok {
		return fmt.Errorf("find invoice: %w", sql.ErrNoRows)
	}
	if !inv.IsProvisional || inv.EnrollmentID != nil {
		return repository.ErrAlreadyPromoted
	}
	inv.EnrollmentID = &enrollmentID
	inv.Amount, inv.IsPaid, inv.IsProvisional = amount, paid, false
	inv.Intent = types.NullJSONText{}
	f.db.invoices[id] = inv
	return nil
}

func (f fakeInvoices) Discard(_ context.Context, _ sqlx.ExtContext, id string) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	inv, ok := f.db.invoices[id]
	if !ok || !inv.IsProvisional {
		return false, nil
	}
	delete(f.db.invoices, id)
	return true, nil
}

func (f fakeInvoices) LockByIDs(_ context.Context, _ sqlx.ExtContext, ids []string) ([]models.Invoice, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.Invoice
	for _, id := range ids {
		if inv, ok := f.db.invoices[id]; ok {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f fakeInvoices) MarkPaid(_ context.Context, _ sqlx.ExtContext, ids []string) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for _, id := range ids {
		inv, ok := f.db.invoices[id]
		if !ok || inv.IsPaid || inv.IsProvisional {
			continue
		}
		inv.IsPaid = true
		f.db.invoices[id] = inv
		n++
	}
	return n, nil
}

func (f fakeInvoices) dueLocked(inv models.Invoice) (models.InvoiceDue, bool) {
	if inv.IsPaid || inv.IsProvisional || inv.EnrollmentID == nil {
		return models.InvoiceDue{}, false
	}
	e := f.db.enrollments[*inv.EnrollmentID]
	st := f.db.students[e.StudentID]
	sc := f.db.schedules[e.BatchID]
	return models.InvoiceDue{
		InvoiceID:    inv.ID,
		EnrollmentID: e.ID,
		Month:        inv.Month,
		Amount:       inv.Amount,
		StudentID:    st.ID,
		StudentName:  st.Name,
		ParentID:     st.ParentID,
		Phone:        st.Phone,
		CourseName:   sc.CourseName,
		BatchName:    sc.BatchName,
	}, e.IsActive
}

func (f fakeInvoices) ListDueByIDs(_ context.Context, ids []string) ([]models.InvoiceDue, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.InvoiceDue
	for _, id := range ids {
		inv, ok := f.db.invoices[id]
		if !ok {
			continue
		}
		if due, _ := f.dueLocked(inv); due.InvoiceID != "" {
			out = append(out, due)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out, nil
}

func (f fakeInvoices) ListDue(_ context.Context, upTo time.Time) ([]models.InvoiceDue, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.InvoiceDue
	for _, inv := range f.db.invoices {
		if inv.Month.After(upTo) {
			continue
		}
		if due, active := f.dueLocked(inv); due.InvoiceID != "" && active {
			out = append(out, due)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.Before(out[j].Month)
		}
		return out[i].InvoiceID < out[j].InvoiceID
	})
	return out, nil
}

func (f fakeInvoices) ListPending(ctx context.Context, filter models.InvoiceFilter) ([]models.InvoiceDue, int, error) {
	upTo := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	if filter.UpTo != nil {
		upTo = *filter.UpTo
	}
	all, err := f.ListDue(ctx, upTo)
	if err != nil {
		return nil, 0, err
	}
	var out []models.InvoiceDue
	for _, d := range all {
		if filter.ParentID != "" && d.ParentID != filter.ParentID {
			continue
		}
		if filter.StudentID != "" && d.StudentID != filter.StudentID {
			continue
		}
		out = append(out, d)
	}
	return out, len(out), nil
}

type fakePayments struct{ db *memDB }

func (f fakePayments) Create(_ context.Context, _ sqlx.ExtContext, p *models.Payment) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, other := range f.db.payments {
		if other.PaymentID == p.PaymentID {
			return fmt.Errorf("insert payment: %w", repository.ErrDuplicate)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PaymentInitiated
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	f.db.payments[p.ID] = *p
	return nil
}

func (f fakePayments) findLocked(paymentID string) (models.Payment, bool) {
	for _, p := range f.db.payments {
		if p.PaymentID == paymentID {
			return p, true
		}
	}
	return models.Payment{}, false
}

func (f fakePayments) FindByPaymentID(_ context.Context, _ sqlx.ExtContext, paymentID string) (*models.Payment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.findLocked(paymentID)
	if !ok {
		return nil, fmt.Errorf("find payment: %w", sql.ErrNoRows)
	}
	return &p, nil
}

func (f fakePayments) FindByPaymentIDForUpdate(ctx context.Context, exec sqlx.ExtContext, paymentID string) (*models.Payment, error) {
	return f.FindByPaymentID(ctx, exec, paymentID)
}

func (f fakePayments) MarkCompleted(_ context.Context, _ sqlx.ExtContext, paymentID string, trxID *string, executedAt time.Time) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.findLocked(paymentID)
	if !ok || p.Status == models.PaymentCompleted {
		return false, nil
	}
	p.Status = models.PaymentCompleted
	if trxID != nil {
		p.TrxID = trxID
	}
	if p.ExecutedAt == nil {
		p.ExecutedAt = &executedAt
	}
	p.UpdatedAt = time.Now().UTC()
	f.db.payments[p.ID] = p
	return true, nil
}

func (f fakePayments) MarkTerminal(_ context.Context, _ sqlx.ExtContext, paymentID string, status models.PaymentStatus) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.findLocked(paymentID)
	if !ok || p.Status != models.PaymentInitiated {
		return repository.ErrNotApplied
	}
	p.Status = status
	f.db.payments[p.ID] = p
	return nil
}

func (f fakePayments) Repoint(_ context.Context, _ sqlx.ExtContext, id, invoiceID string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p := f.db.payments[id]
	p.InvoiceID = &invoiceID
	f.db.payments[id] = p
	return nil
}

func (f fakePayments) FlagMaterializationFailure(_ context.Context, paymentID, reason string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.findLocked(paymentID)
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	p.MaterializationError, p.MaterializationFailedAt = &reason, &now
	f.db.payments[p.ID] = p
	return nil
}

func (f fakePayments) ClearMaterializationFailure(_ context.Context, _ sqlx.ExtContext, id string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p := f.db.payments[id]
	p.MaterializationError, p.MaterializationFailedAt = nil, nil
	f.db.payments[id] = p
	return nil
}

func (f fakePayments) ListFlagged(_ context.Context, limit int) ([]models.Payment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.Payment
	for _, p := range f.db.payments {
		if p.Status == models.PaymentCompleted && p.MaterializationError != nil && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f fakePayments) ListUnmaterialized(_ context.Context, before time.Time, limit int) ([]models.Payment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.Payment
	for _, p := range f.db.payments {
		if p.Status != models.PaymentCompleted || p.MaterializationError != nil || p.InvoiceID == nil {
			continue
		}
		if inv, ok := f.db.invoices[*p.InvoiceID]; ok && inv.IsProvisional && p.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f fakePayments) ListStaleInitiated(_ context.Context, before time.Time, limit int) ([]models.Payment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.Payment
	for _, p := range f.db.payments {
		if p.Status == models.PaymentInitiated && p.Method == models.PaymentMethodBkash && p.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentID < out[j].PaymentID })
	return out, nil
}

func (f fakePayments) ListHistory(_ context.Context, filter models.PaymentFilter) ([]models.Payment, int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.Payment
	for _, p := range f.db.payments {
		if filter.ParentID != "" && (p.CreatedBy == nil || *p.CreatedBy != filter.ParentID) {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (f fakePayments) CreateAllocations(_ context.Context, _ sqlx.ExtContext, allocations []models.PaymentAllocation) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, a := range allocations {
		dup := false
		for _, existing := range f.db.allocations {
			if existing.PaymentID == a.PaymentID && existing.InvoiceID == a.InvoiceID {
				dup = true
				break
			}
		}
		if !dup {
			f.db.allocations = append(f.db.allocations, a)
		}
	}
	return nil
}

type fakeCoupons struct{ db *memDB }

func (f fakeCoupons) FindByCode(_ context.Context, code string) (*models.Coupon, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, c := range f.db.coupons {
		if c.Code == code {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("find coupon: %w", sql.ErrNoRows)
}

func (f fakeCoupons) FindByID(_ context.Context, id string) (*models.Coupon, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.coupons[id]
	if !ok {
		return nil, fmt.Errorf("find coupon: %w", sql.ErrNoRows)
	}
	return &c, nil
}

func (f fakeCoupons) Create(_ context.Context, c *models.Coupon) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, other := range f.db.coupons {
		if other.Code == c.Code {
			return fmt.Errorf("insert coupon: %w", repository.ErrDuplicate)
		}
	}
	c.ID = uuid.NewString()
	f.db.coupons[c.ID] = *c
	return nil
}

func (f fakeCoupons) UpdateUnreferenced(_ context.Context, c *models.Coupon) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, inv := range f.db.invoices {
		if inv.CouponID != nil && *inv.CouponID == c.ID {
			return repository.ErrNotApplied
		}
	}
	f.db.coupons[c.ID] = *c
	return nil
}

type fakeAudit struct{ db *memDB }

func (f fakeAudit) Append(_ context.Context, _ sqlx.ExtContext, ev *models.AuditEvent) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if f.db.failAudit != nil {
		return f.db.failAudit
	}
	ev.ID = uuid.NewString()
	ev.CreatedAt = time.Now().UTC()
	f.db.audit = append(f.db.audit, *ev)
	return nil
}

type fakeEvents struct{ db *memDB }

func (f fakeEvents) Insert(_ context.Context, ev *models.GatewayEvent) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	ev.ID = uuid.NewString()
	if ev.Status == "" {
		ev.Status = models.GatewayEventReceived
	}
	f.db.events[ev.ID] = *ev
	return nil
}

func (f fakeEvents) MarkHandled(_ context.Context, id string, status models.GatewayEventStatus, errMsg *string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	ev := f.db.events[id]
	ev.Status, ev.Error = status, errMsg
	f.db.events[id] = ev
	return nil
}

func (db *memDB) eventStatuses() []models.GatewayEventStatus {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.GatewayEventStatus
	for _, ev := range db.events {
		out = append(out, ev.Status)
	}
	return out
}

// fakeGateway scripts bKash responses per payment id.
type fakeSettings struct{ db *memDB }

func (f fakeSettings) ListByKeys(_ context.Context, keys []string) ([]models.Setting, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.Setting
	for _, k := range keys {
		if st, ok := f.db.settings[k]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f fakeSettings) BulkUpsert(_ context.Context, _ sqlx.ExtContext, settings []models.Setting) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, st := range settings {
		st.UpdatedAt = time.Now().UTC()
		f.db.settings[st.Key] = st
	}
	return nil
}

func (db *memDB) setSetting(key, value string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.settings[key] = models.Setting{Key: key, Value: value}
}

type fakeGateway struct {
	mu       sync.Mutex
	seq      int
	creates  []bkash.CreatePaymentRequest
	createFn func(req bkash.CreatePaymentRequest) (*bkash.CreatePaymentResponse, error)
	execFn   func(paymentID string) (*bkash.PaymentResult, error)
	queryFn  func(paymentID string) (*bkash.PaymentResult, error)
	executes int32
	queries  int32
}

func (g *fakeGateway) CreatePayment(_ context.Context, req bkash.CreatePaymentRequest) (*bkash.CreatePaymentResponse, error) {
	g.mu.Lock()
	g.seq++
	g.creates = append(g.creates, req)
	seq := g.seq
	fn := g.createFn
	g.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	id := fmt.Sprintf("PAY-%d", seq)
	return &bkash.CreatePaymentResponse{PaymentID: id, BkashURL: "https://sandbox.bka.sh/pay/" + id, TransactionStatus: bkash.StatusInitiated}, nil
}

func (g *fakeGateway) ExecutePayment(_ context.Context, paymentID string) (*bkash.PaymentResult, error) {
	atomic.AddInt32(&g.executes, 1)
	if g.execFn != nil {
		return g.execFn(paymentID)
	}
	return completedResult(paymentID), nil
}

func (g *fakeGateway) QueryPayment(_ context.Context, paymentID string) (*bkash.PaymentResult, error) {
	atomic.AddInt32(&g.queries, 1)
	if g.queryFn != nil {
		return g.queryFn(paymentID)
	}
	return completedResult(paymentID), nil
}

func (g *fakeGateway) lastCreate() bkash.CreatePaymentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates[len(g.creates)-1]
}

func completedResult(paymentID string) *bkash.PaymentResult {
	return &bkash.PaymentResult{PaymentID: paymentID, TrxID: "TRX-" + paymentID, TransactionStatus: bkash.StatusCompleted, StatusCode: bkash.CodeSuccess}
}

func statusResult(paymentID, status string) *bkash.PaymentResult {
	return &bkash.PaymentResult{PaymentID: paymentID, TransactionStatus: status, StatusCode: bkash.CodeSuccess}
}

type recordingReconObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *recordingReconObserver) ObserveReconciliation(channel, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[channel+":"+outcome]++
}

func (o *recordingReconObserver) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[key]
}

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]string
	fail bool
}

func (s *recordingSender) record(phone, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = map[string][]string{}
	}
	s.sent[phone] = append(s.sent[phone], message)
}

func (s *recordingSender) Send(_ context.Context, phone, message string) (sms.Result, error) {
	if s.fail {
		return sms.Result{Success: false, Response: "Error: invalid token"}, nil
	}
	s.record(phone, message)
	return sms.Result{Success: true, Response: "Ok: 1 sent"}, nil
}

func (s *recordingSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msgs := range s.sent {
		n += len(msgs)
	}
	return n
}

var (
	parentActor = models.Actor{ID: "parent-1", Role: models.RoleParent, Kind: models.ActorUser}
	adminActor  = models.Actor{ID: "admin-1", Role: models.RoleAdmin, Kind: models.ActorUser}
)
