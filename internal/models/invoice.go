package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Invoice is a monthly charge. A provisional invoice has no enrollment and carries the
// intent snapshot that will be materialized once its payment is verified.
type Invoice struct {
	ID            string             `db:"id" json:"id"`
	EnrollmentID  *string            `db:"enrollment_id" json:"enrollment_id,omitempty"`
	Month         time.Time          `db:"month" json:"month"`
	Amount        decimal.Decimal    `db:"amount" json:"amount"`
	IsPaid        bool               `db:"is_paid" json:"is_paid"`
	CouponID      *string            `db:"coupon_id" json:"coupon_id,omitempty"`
	IsProvisional bool               `db:"is_provisional" json:"is_provisional"`
	Intent        types.NullJSONText `db:"intent" json:"-"`
	CreatedAt     time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `db:"updated_at" json:"updated_at"`
}

// InvoiceDue is an unpaid invoice joined with the data needed to chase it.
type InvoiceDue struct {
	InvoiceID    string          `db:"invoice_id" json:"invoice_id"`
	EnrollmentID string          `db:"enrollment_id" json:"enrollment_id"`
	Month        time.Time       `db:"month" json:"month"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	StudentID    string          `db:"student_id" json:"student_id"`
	StudentName  string          `db:"student_name" json:"student_name"`
	ParentID     string          `db:"parent_id" json:"parent_id"`
	Phone        *string         `db:"phone" json:"phone,omitempty"`
	CourseName   string          `db:"course_name" json:"course_name"`
	BatchName    string          `db:"batch_name" json:"batch_name"`
}

// InvoiceFilter scopes pending invoice listings.
type InvoiceFilter struct {
	ParentID  string
	StudentID string
	UpTo      *time.Time
	Page      int
	PageSize  int
}

// NormalizeMonth returns the first day of t's month, as seen in loc, as a UTC date.
func NormalizeMonth(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
