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

const enrollmentColumns = `id, student_id, batch_id, course_id, start_month, tuition_fee, is_active, created_by, created_at, updated_at`

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Create inserts an active enrollment. The partial unique indexes on (student, batch) and
// (student, course) reject a second active row with ErrDuplicate.
func (r *EnrollmentRepository) Create(ctx context.Context, exec sqlx.ExtContext, e *models.Enrollment) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt, e.IsActive = now, now, true
	const query = `INSERT INTO enrollments (` + enrollmentColumns + `)
VALUES (:id, :student_id, :batch_id, :course_id, :start_month, :tuition_fee, :is_active, :created_by, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, execOr(exec, r.db), query, e); err != nil {
		return classify(err, "insert enrollment")
	}
	return nil
}

// FindByID fetches an enrollment. Returns sql.ErrNoRows when absent.
func (r *EnrollmentRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	var e models.Enrollment
	if err := sqlx.GetContext(ctx, execOr(exec, r.db), &e, query, id); err != nil {
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return &e, nil
}

// FindActive returns the active enrollment for the student in the batch, or in any batch of the course.
func (r *EnrollmentRepository) FindActive(ctx context.Context, exec sqlx.ExtContext, studentID, batchID, courseID string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
WHERE student_id = $1 AND is_active AND (batch_id = $2 OR course_id = $3)
ORDER BY (batch_id = $2) DESC
LIMIT 1`
	var e models.Enrollment
	if err := sqlx.GetContext(ctx, execOr(exec, r.db), &e, query, studentID, batchID, courseID); err != nil {
		return nil, fmt.Errorf("find active enrollment: %w", err)
	}
	return &e, nil
}

// SetActive toggles the logical state. Reactivation may fail with ErrDuplicate.
func (r *EnrollmentRepository) SetActive(ctx context.Context, exec sqlx.ExtContext, id string, active bool) error {
	const query = `UPDATE enrollments SET is_active = $2, updated_at = $3 WHERE id = $1 AND is_active <> $2`
	res, err := execOr(exec, r.db).ExecContext(ctx, query, id, active, time.Now().UTC())
	if err != nil {
		return classify(err, "update enrollment state")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotApplied
	}
	return nil
}

// ListBillable returns active enrollments that started before month, with fee fallbacks.
func (r *EnrollmentRepository) ListBillable(ctx context.Context, month time.Time) ([]models.EnrollmentBilling, error) {
	const query = `SELECT e.id, e.student_id, e.batch_id, e.course_id, e.start_month, e.tuition_fee, e.is_active,
	e.created_by, e.created_at, e.updated_at,
	b.tuition_fee AS batch_tuition_fee, c.monthly_fee AS course_monthly_fee
FROM enrollments e
JOIN batches b ON b.id = e.batch_id
JOIN courses c ON c.id = e.course_id
WHERE e.is_active AND e.start_month < $1
ORDER BY e.created_at ASC`
	var rows []models.EnrollmentBilling
	if err := r.db.SelectContext(ctx, &rows, query, month); err != nil {
		return nil, fmt.Errorf("list billable enrollments: %w", err)
	}
	return rows, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)))
	}
	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		conditions = append(conditions, fmt.Sprintf("e.batch_id = $%d", len(args)))
	}
	if filter.ParentID != "" {
		args = append(args, filter.ParentID)
		conditions = append(conditions, fmt.Sprintf("s.parent_id = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("e.is_active = $%d", len(args)))
	}
	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}
	page, size := normalizePage(filter.Page, filter.PageSize)

	var total int
	countQuery := "SELECT COUNT(*) FROM enrollments e JOIN students s ON s.id = e.student_id" + clause
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}

	listArgs := append(append([]interface{}{}, args...), size, (page-1)*size)
	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.batch_id, e.course_id, e.start_month, e.tuition_fee, e.is_active,
	e.created_by, e.created_at, e.updated_at
FROM enrollments e JOIN students s ON s.id = e.student_id%s
ORDER BY e.created_at DESC LIMIT $%d OFFSET $%d`, clause, len(args)+1, len(args)+2)
	var items []models.Enrollment
	if err := r.db.SelectContext(ctx, &items, query, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}
	return items, total, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return page, size
}
