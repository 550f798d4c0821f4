package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tuition-billing-api/internal/models"
)

const paymentColumns = `id, invoice_id, payment_id, trx_id, amount, method, status, payer_reference, merchant_invoice_number,
	materialization_error, materialization_failed_at, executed_at, created_by, created_at, updated_at`

const paymentColumnsAliased = `p.id, p.invoice_id, p.payment_id, p.trx_id, p.amount, p.method, p.status, p.payer_reference,
	p.merchant_invoice_number, p.materialization_error, p.materialization_failed_at, p.executed_at, p.created_by,
	p.created_at, p.updated_at`

// PaymentRepository persists gateway payment attempts and their allocations.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository constructs the repository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create records a new payment attempt. A reused gateway payment id yields ErrDuplicate.
func (r *PaymentRepository) Create(ctx context.Context, exec sqlx.ExtContext, p *models.Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = models.PaymentInitiated
	}
	const query = `INSERT INTO payments (` + paymentColumns + `)
VALUES (:id, :invoice_id, :payment_id, :trx_id, :amount, :method, :status, :payer_reference, :merchant_invoice_number,
	:materialization_error, :materialization_failed_at, :executed_at, :created_by, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, execOr(exec, r.db), query, p); err != nil {
		return classify(err, "insert payment")
	}
	return nil
}

// FindByPaymentID fetches a payment by the gateway identifier. Returns sql.ErrNoRows when absent.
func (r *PaymentRepository) FindByPaymentID(ctx context.Context, exec sqlx.ExtContext, paymentID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1`
	var p models.Payment
	if err := sqlx.GetContext(ctx, execOr(exec, r.db), &p, query, paymentID); err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return &p, nil
}

// FindByPaymentIDForUpdate locks the payment row for the rest of the transaction.
func (r *PaymentRepository) FindByPaymentIDForUpdate(ctx context.Context, exec sqlx.ExtContext, paymentID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1 FOR UPDATE`
	var p models.Payment
	if err := sqlx.GetContext(ctx, execOr(exec, r.db), &p, query, paymentID); err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	return &p, nil
}

// MarkCompleted moves a payment to Completed. It reports false when the row was already
// Completed, so concurrent deliveries agree on a single transition.
func (r *PaymentRepository) MarkCompleted(ctx context.Context, exec sqlx.ExtContext, paymentID string, trxID *string, executedAt time.Time) (bool, error) {
	const query = `UPDATE payments
SET status = 'Completed', trx_id = COALESCE($2, trx_id), executed_at = COALESCE(executed_at, $3), updated_at = $4
WHERE payment_id = $1 AND status <> 'Completed'`
	res, err := execOr(exec, r.db).ExecContext(ctx, query, paymentID, trxID, executedAt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark payment completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkTerminal moves an Initiated payment to Failed or Cancelled. A payment that already left
// Initiated yields ErrNotApplied.
func (r *PaymentRepository) MarkTerminal(ctx context.Context, exec sqlx.ExtContext, paymentID string, status models.PaymentStatus) error {
	if status != models.PaymentFailed && status != models.PaymentCancelled {
		return fmt.Errorf("mark payment terminal: unsupported status %q", status)
	}
	const query = `UPDATE payments SET status = $2, updated_at = $3 WHERE payment_id = $1 AND status = 'Initiated'`
	res, err := execOr(exec, r.db).ExecContext(ctx, query, paymentID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark payment %s: %w", strings.ToLower(string(status)), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotApplied
	}
	return nil
}

// Repoint moves the payment's invoice reference, used when the provisional invoice is retired.
func (r *PaymentRepository) Repoint(ctx context.Context, exec sqlx.ExtContext, id, invoiceID string) error {
	const query = `UPDATE payments SET invoice_id = $2, updated_at = $3 WHERE id = $1`
	if _, err := execOr(exec, r.db).ExecContext(ctx, query, id, invoiceID, time.Now().UTC()); err != nil {
		return fmt.Errorf("repoint payment: %w", err)
	}
	return nil
}

// FlagMaterializationFailure marks a completed payment whose enrollment could not be created.
func (r *PaymentRepository) FlagMaterializationFailure(ctx context.Context, paymentID, reason string) error {
	const query = `UPDATE payments SET materialization_error = $2, materialization_failed_at = $3, updated_at = $3
WHERE payment_id = $1`
	if _, err := r.db.ExecContext(ctx, query, paymentID, reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("flag payment: %w", err)
	}
	return nil
}

// ClearMaterializationFailure removes the flag after a successful retry.
func (r *PaymentRepository) ClearMaterializationFailure(ctx context.Context, exec sqlx.ExtContext, id string) error {
	const query = `UPDATE payments SET materialization_error = NULL, materialization_failed_at = NULL, updated_at = $2
WHERE id = $1 AND materialization_error IS NOT NULL`
	if _, err := execOr(exec, r.db).ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("clear payment flag: %w", err)
	}
	return nil
}

// ListFlagged returns completed payments awaiting materialization retry, oldest first.
func (r *PaymentRepository) ListFlagged(ctx context.Context, limit int) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
WHERE status = 'Completed' AND materialization_error IS NOT NULL
ORDER BY materialization_failed_at ASC LIMIT $1`
	var rows []models.Payment
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list flagged payments: %w", err)
	}
	return rows, nil
}

// ListUnmaterialized returns completed payments that still point at a provisional invoice and
// carry no flag, last touched before the cutoff.
func (r *PaymentRepository) ListUnmaterialized(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumnsAliased + ` FROM payments p
JOIN invoices i ON i.id = p.invoice_id
WHERE p.status = 'Completed' AND p.materialization_error IS NULL AND i.is_provisional AND p.updated_at < $1
ORDER BY p.updated_at ASC LIMIT $2`
	var rows []models.Payment
	if err := r.db.SelectContext(ctx, &rows, query, before, limit); err != nil {
		return nil, fmt.Errorf("list unmaterialized payments: %w", err)
	}
	return rows, nil
}

// ListStaleInitiated returns gateway payments still Initiated since before the cutoff.
func (r *PaymentRepository) ListStaleInitiated(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
WHERE status = 'Initiated' AND method = 'bKash' AND created_at < $1
ORDER BY created_at ASC LIMIT $2`
	var rows []models.Payment
	if err := r.db.SelectContext(ctx, &rows, query, before, limit); err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	return rows, nil
}

// ListHistory pages payments visible to a parent: those they started or those funding their children's invoices.
func (r *PaymentRepository) ListHistory(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.ParentID != "" {
		args = append(args, filter.ParentID)
		conditions = append(conditions, fmt.Sprintf("(p.created_by = $%d OR s.parent_id = $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("p.status = $%d", len(args)))
	}
	clause := ""
	if len(conditions) > 0 {
		clause = "\nWHERE " + strings.Join(conditions, " AND ")
	}
	from := `FROM payments p
LEFT JOIN invoices i ON i.id = p.invoice_id
LEFT JOIN enrollments e ON e.id = i.enrollment_id
LEFT JOIN students s ON s.id = e.student_id`
	page, size := normalizePage(filter.Page, filter.PageSize)

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+from+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}

	listArgs := append(append([]interface{}{}, args...), size, (page-1)*size)
	query := fmt.Sprintf("SELECT %s %s%s\nORDER BY p.created_at DESC LIMIT $%d OFFSET $%d", paymentColumnsAliased, from, clause, len(args)+1, len(args)+2)
	var items []models.Payment
	if err := r.db.SelectContext(ctx, &items, query, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	return items, total, nil
}

// CreateAllocations records how a settlement payment was split across invoices.
func (r *PaymentRepository) CreateAllocations(ctx context.Context, exec sqlx.ExtContext, allocations []models.PaymentAllocation) error {
	if len(allocations) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range allocations {
		if allocations[i].ID == "" {
			allocations[i].ID = uuid.NewString()
		}
		allocations[i].CreatedAt = now
	}
	const query = `INSERT INTO payment_allocations (id, payment_id, invoice_id, amount, created_at)
VALUES (:id, :payment_id, :invoice_id, :amount, :created_at)
ON CONFLICT (payment_id, invoice_id) DO NOTHING`
	for _, a := range allocations {
		if _, err := sqlx.NamedExecContext(ctx, execOr(exec, r.db), query, a); err != nil {
			return fmt.Errorf("insert payment allocation: %w", err)
		}
	}
	return nil
}
