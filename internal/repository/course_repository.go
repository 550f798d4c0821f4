package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tuition-billing-api/internal/models"
)

// CourseRepository reads course and batch pricing.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// FindFeeSchedule resolves the fees for a batch. Returns sql.ErrNoRows for unknown batches.
func (r *CourseRepository) FindFeeSchedule(ctx context.Context, batchID string) (*models.FeeSchedule, error) {
	const query = `SELECT b.id AS batch_id, b.name AS batch_name, c.id AS course_id, c.name AS course_name,
	c.admission_fee, c.monthly_fee AS course_monthly_fee, b.tuition_fee AS batch_tuition_fee,
	b.is_active AS batch_active, c.is_active AS course_active
FROM batches b
JOIN courses c ON c.id = b.course_id
WHERE b.id = $1`
	var schedule models.FeeSchedule
	if err := r.db.GetContext(ctx, &schedule, query, batchID); err != nil {
		return nil, fmt.Errorf("find fee schedule: %w", err)
	}
	return &schedule, nil
}
