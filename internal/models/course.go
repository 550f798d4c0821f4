package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Course is a subject offering with its default fee schedule.
type Course struct {
	ID           string          `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	AdmissionFee decimal.Decimal `db:"admission_fee" json:"admission_fee"`
	MonthlyFee   decimal.Decimal `db:"monthly_fee" json:"monthly_fee"`
	IsActive     bool            `db:"is_active" json:"is_active"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Batch is a cohort of a course. TuitionFee overrides the course monthly fee when set.
type Batch struct {
	ID         string              `db:"id" json:"id"`
	CourseID   string              `db:"course_id" json:"course_id"`
	Name       string              `db:"name" json:"name"`
	TuitionFee decimal.NullDecimal `db:"tuition_fee" json:"tuition_fee"`
	IsActive   bool                `db:"is_active" json:"is_active"`
	CreatedAt  time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time           `db:"updated_at" json:"updated_at"`
}

// FeeSchedule is the resolved price list for one batch.
type FeeSchedule struct {
	BatchID          string              `db:"batch_id" json:"batch_id"`
	BatchName        string              `db:"batch_name" json:"batch_name"`
	CourseID         string              `db:"course_id" json:"course_id"`
	CourseName       string              `db:"course_name" json:"course_name"`
	AdmissionFee     decimal.Decimal     `db:"admission_fee" json:"admission_fee"`
	CourseMonthlyFee decimal.Decimal     `db:"course_monthly_fee" json:"course_monthly_fee"`
	BatchTuitionFee  decimal.NullDecimal `db:"batch_tuition_fee" json:"batch_tuition_fee"`
	BatchActive      bool                `db:"batch_active" json:"batch_active"`
	CourseActive     bool                `db:"course_active" json:"course_active"`
}

// TuitionFee returns the batch override, else the course default.
func (f FeeSchedule) TuitionFee() decimal.Decimal {
	if f.BatchTuitionFee.Valid {
		return f.BatchTuitionFee.Decimal
	}
	return f.CourseMonthlyFee
}
