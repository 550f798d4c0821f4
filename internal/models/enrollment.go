package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Enrollment binds a student to a batch from a start month.
// TuitionFee stores the recurring fee after any percentage discount; it is never re-discounted.
type Enrollment struct {
	ID         string              `db:"id" json:"id"`
	StudentID  string              `db:"student_id" json:"student_id"`
	BatchID    string              `db:"batch_id" json:"batch_id"`
	CourseID   string              `db:"course_id" json:"course_id"`
	StartMonth time.Time           `db:"start_month" json:"start_month"`
	TuitionFee decimal.NullDecimal `db:"tuition_fee" json:"tuition_fee"`
	IsActive   bool                `db:"is_active" json:"is_active"`
	CreatedBy  *string             `db:"created_by" json:"created_by,omitempty"`
	CreatedAt  time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time           `db:"updated_at" json:"updated_at"`
}

// EnrollmentBilling is an active enrollment joined with the fees needed for invoicing.
type EnrollmentBilling struct {
	Enrollment
	BatchTuitionFee  decimal.NullDecimal `db:"batch_tuition_fee"`
	CourseMonthlyFee decimal.Decimal     `db:"course_monthly_fee"`
}

// RecurringFee resolves enrollment fee, then batch fee, then course fee.
func (e EnrollmentBilling) RecurringFee() decimal.Decimal {
	switch {
	case e.TuitionFee.Valid:
		return e.TuitionFee.Decimal
	case e.BatchTuitionFee.Valid:
		return e.BatchTuitionFee.Decimal
	default:
		return e.CourseMonthlyFee
	}
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	BatchID   string
	ParentID  string
	Active    *bool
	Page      int
	PageSize  int
}
