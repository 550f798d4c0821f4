package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/tuition-billing-api/internal/models"
)

// ErrAlreadyPromoted is returned when a provisional invoice already carries an enrollment.
var ErrAlreadyPromoted = errors.New("invoice already promoted")

const invoiceColumns = `id, enrollment_id, month, amount, is_paid, coupon_id, is_provisional, intent, created_at, updated_at`

// InvoiceRepository persists invoices, including the provisional staging rows.
type InvoiceRepository struct {
	db *sqlx.DB
}

// NewInvoiceRepository constructs the repository.
func NewInvoiceRepository(db *sqlx.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// CreateProvisional stores an invoice with no enrollment and its serialized intent.
func (r *InvoiceRepository) CreateProvisional(ctx context.Context, inv *models.Invoice) error {
	if !inv.Intent.Valid || len(inv.Intent.JSONText) == 0 {
		return fmt.Errorf("create provisional invoice: intent is required")
	}
	inv.EnrollmentID = nil
	inv.IsProvisional = true
	inv.IsPaid = false
	return r.insert(ctx, r.db, inv, "insert provisional invoice")
}

// Create inserts a non-provisional invoice; an existing (enrollment, month) yields ErrDuplicate.
func (r *InvoiceRepository) Create(ctx context.Context, exec sqlx.ExtContext, inv *models.Invoice) error {
	if inv.EnrollmentID == nil {
		return fmt.Errorf("create invoice: enrollment is required")
	}
	inv.IsProvisional = false
	inv.Intent = types.NullJSONText{}
	return r.insert(ctx, execOr(exec, r.db), inv, "insert invoice")
}

func (r *InvoiceRepository) insert(ctx context.Context, exec sqlx.ExtContext, inv *models.Invoice, action string) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	inv.CreatedAt, inv.UpdatedAt = now, now
	const query = `INSERT INTO invoices (` + invoiceColumns + `)
VALUES (:id, :enrollment_id, :month, :amount, :is_paid, :coupon_id, :is_provisional, :intent, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, inv); err != nil {
		return classify(err, action)
	}
	return nil
}

// CreateIfAbsent inserts the invoice unless one already exists for (enrollment, month).
// It is the single idempotent path shared by materialization and recurring generation.
func (r *InvoiceRepository) CreateIfAbsent(ctx context.Context, exec sqlx.ExtContext, inv *models.Invoice) (bool, error) {
	if inv.EnrollmentID == nil {
		return false, fmt.Errorf("create invoice: enrollment is required")
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	inv.CreatedAt, inv.UpdatedAt = now, now
	inv.IsProvisional = false
	inv.Intent = types.NullJSONText{}
	const query = `INSERT INTO invoices (` + invoiceColumns + `)
VALUES (:id, :enrollment_id, :month, :amount, :is_paid, :coupon_id, :is_provisional, :intent, :created_at, :updated_at)
ON CONFLICT (enrollment_id, month) WHERE enrollment_id IS NOT NULL DO NOTHING`
	res, err := sqlx.NamedExecContext(ctx, execOr(exec, r.db), query, inv)
	if err != nil {
		return false, classify(err, "insert invoice if absent")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert invoice if absent: %w", err)
	}
	return n > 0, nil
}

// FindByID fetches an invoice. Returns sql.ErrNoRows when absent.
func (r *InvoiceRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	var inv models.Invoice
	if err := sqlx.GetContext(ctx, execOr(exec, r.db), &inv, query, id); err != nil {
		return nil, fmt.Errorf("find invoice: %w", err)
	}
	return &inv, nil
}

// FindByEnrollmentMonth fetches the invoice for one billing period.
func (r *InvoiceRepository) FindByEnrollmentMonth(ctx context.Context, exec sqlx.ExtContext, enrollmentID string, month time.Time) (*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE enrollment_id = $1 AND month = $2`
	var inv models.Invoice
	if err := sqlx.GetContext(ctx, execOr(exec, r.db), &inv, query, enrollmentID, month); err != nil {
		return nil, fmt.Errorf("find invoice by month: %w", err)
	}
	return &inv, nil
}

// FirstForEnrollment returns the earliest invoice of an enrollment.
func (r *InvoiceRepository) FirstForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE enrollment_id = $1 ORDER BY month ASC LIMIT 1`
	var inv models.Invoice
	if err := sqlx.GetContext(ctx, execOr(exec, r.db), &inv, query, enrollmentID); err != nil {
		return nil, fmt.Errorf("find first invoice: %w", err)
	}
	return &inv, nil
}

// Promote attaches a provisional invoice to its enrollment, clears the intent and sets the
// final amount. A row that already has an enrollment yields ErrAlreadyPromoted.
func (r *InvoiceRepository) Promote(ctx context.Context, exec sqlx.ExtContext, id, enrollmentID string, amount decimal.Decimal, paid bool) error {
	const query = `UPDATE invoices
SET enrollment_id = $2, amount = $3, is_paid = $4, is_provisional = FALSE, intent = NULL, updated_at = $5
WHERE id = $1 AND is_provisional AND enrollment_id IS NULL`
	ex := execOr(exec, r.db)
	res, err := ex.ExecContext(ctx, query, id, enrollmentID, amount, paid, time.Now().UTC())
	if err != nil {
		return classify(err, "promote invoice")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.FindByID(ctx, ex, id); err != nil {
		return err
	}
	return ErrAlreadyPromoted
}

// Discard deletes a provisional invoice. Promoted invoices are never deleted.
func (r *InvoiceRepository) Discard(ctx context.Context, exec sqlx.ExtContext, id string) (bool, error) {
	const query = `DELETE FROM invoices WHERE id = $1 AND is_provisional AND enrollment_id IS NULL`
	res, err := execOr(exec, r.db).ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("discard provisional invoice: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LockByIDs locks the given invoices for a settlement, in id order to avoid deadlocks.
func (r *InvoiceRepository) LockByIDs(ctx context.Context, exec sqlx.ExtContext, ids []string) ([]models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	var rows []models.Invoice
	if err := sqlx.SelectContext(ctx, execOr(exec, r.db), &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("lock invoices: %w", err)
	}
	return rows, nil
}

// MarkPaid flags invoices as paid.
func (r *InvoiceRepository) MarkPaid(ctx context.Context, exec sqlx.ExtContext, ids []string) (int64, error) {
	const query = `UPDATE invoices SET is_paid = TRUE, updated_at = $2 WHERE id = ANY($1) AND NOT is_paid AND NOT is_provisional`
	res, err := execOr(exec, r.db).ExecContext(ctx, query, pq.Array(ids), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark invoices paid: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const dueSelect = `SELECT i.id AS invoice_id, i.enrollment_id, i.month, i.amount,
	s.id AS student_id, s.name AS student_name, s.parent_id, s.phone,
	c.name AS course_name, b.name AS batch_name
FROM invoices i
JOIN enrollments e ON e.id = i.enrollment_id
JOIN students s ON s.id = e.student_id
JOIN batches b ON b.id = e.batch_id
JOIN courses c ON c.id = e.course_id`

// ListDueByIDs returns the unpaid invoices among ids, with ownership data.
func (r *InvoiceRepository) ListDueByIDs(ctx context.Context, ids []string) ([]models.InvoiceDue, error) {
	query := dueSelect + `
WHERE i.id = ANY($1) AND NOT i.is_paid AND NOT i.is_provisional
ORDER BY i.month ASC`
	var rows []models.InvoiceDue
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list due invoices by id: %w", err)
	}
	return rows, nil
}

// ListDue returns unpaid invoices for active enrollments due on or before upTo.
func (r *InvoiceRepository) ListDue(ctx context.Context, upTo time.Time) ([]models.InvoiceDue, error) {
	query := dueSelect + `
WHERE NOT i.is_paid AND NOT i.is_provisional AND e.is_active AND i.month <= $1
ORDER BY i.month ASC, s.name ASC`
	var rows []models.InvoiceDue
	if err := r.db.SelectContext(ctx, &rows, query, upTo); err != nil {
		return nil, fmt.Errorf("list due invoices: %w", err)
	}
	return rows, nil
}

// ListPending pages unpaid invoices, optionally scoped to a parent or student.
func (r *InvoiceRepository) ListPending(ctx context.Context, filter models.InvoiceFilter) ([]models.InvoiceDue, int, error) {
	conditions := []string{"NOT i.is_paid", "NOT i.is_provisional"}
	var args []interface{}
	if filter.ParentID != "" {
		args = append(args, filter.ParentID)
		conditions = append(conditions, fmt.Sprintf("s.parent_id = $%d", len(args)))
	}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("s.id = $%d", len(args)))
	}
	if filter.UpTo != nil {
		args = append(args, *filter.UpTo)
		conditions = append(conditions, fmt.Sprintf("i.month <= $%d", len(args)))
	}
	where := "\nWHERE " + strings.Join(conditions, " AND ")
	page, size := normalizePage(filter.Page, filter.PageSize)

	countQuery := `SELECT COUNT(*) FROM invoices i
JOIN enrollments e ON e.id = i.enrollment_id
JOIN students s ON s.id = e.student_id` + where
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count pending invoices: %w", err)
	}

	listArgs := append(append([]interface{}{}, args...), size, (page-1)*size)
	query := fmt.Sprintf("%s%s\nORDER BY i.month ASC LIMIT $%d OFFSET $%d", dueSelect, where, len(args)+1, len(args)+2)
	var rows []models.InvoiceDue
	if err := r.db.SelectContext(ctx, &rows, query, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list pending invoices: %w", err)
	}
	return rows, total, nil
}

// IsNotFound reports whether err signals a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
