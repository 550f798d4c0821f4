package service

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/tuition-billing-api/internal/models"
)

var hundred = decimal.NewFromInt(100)

// FeeQuote is the priced result of an enrollment request.
type FeeQuote struct {
	BatchID            string            `json:"batch_id"`
	CourseID           string            `json:"course_id"`
	BaseAdmissionFee   decimal.Decimal   `json:"base_admission_fee"`
	BaseTuitionFee     decimal.Decimal   `json:"base_tuition_fee"`
	AdmissionFee       decimal.Decimal   `json:"admission_fee"`
	FirstPeriodTuition decimal.Decimal   `json:"first_period_tuition"`
	RecurringTuition   decimal.Decimal   `json:"recurring_tuition"`
	TotalPayable       decimal.Decimal   `json:"total_payable"`
	MinimumApplied     bool              `json:"minimum_applied"`
	Discounts          *models.Discounts `json:"-"`
	CouponCode         string            `json:"coupon_code,omitempty"`
}

// FeeCalculator prices enrollments. It never returns a zero total.
type FeeCalculator struct {
	minimum decimal.Decimal
}

// NewFeeCalculator builds a calculator with the given minimum charge.
func NewFeeCalculator(minimum decimal.Decimal) *FeeCalculator {
	if !minimum.IsPositive() {
		minimum = decimal.NewFromInt(1)
	}
	return &FeeCalculator{minimum: minimum}
}

// Calculate applies discounts in order: admission waiver, first-month waiver, tuition percent.
// The percent discount lands in RecurringTuition once; later periods bill that stored value.
// The payment always covers admission plus one paid period, which is the second period when
// the first is waived.
func (c *FeeCalculator) Calculate(schedule models.FeeSchedule, d *models.Discounts) FeeQuote {
	base := schedule.TuitionFee()
	q := FeeQuote{
		BatchID:          schedule.BatchID,
		CourseID:         schedule.CourseID,
		BaseAdmissionFee: schedule.AdmissionFee,
		BaseTuitionFee:   base,
		AdmissionFee:     schedule.AdmissionFee,
		RecurringTuition: base,
		Discounts:        d,
	}
	if d != nil {
		q.CouponCode = d.CouponCode
		if d.AdmissionWaived {
			q.AdmissionFee = decimal.Zero
		}
		if d.TuitionPercent.Valid {
			q.RecurringTuition = base.Mul(hundred.Sub(d.TuitionPercent.Decimal)).Div(hundred)
		}
	}
	q.RecurringTuition = q.RecurringTuition.Round(2)
	q.FirstPeriodTuition = q.RecurringTuition
	if d != nil && d.FirstMonthWaived {
		q.FirstPeriodTuition = decimal.Zero
	}

	q.TotalPayable = c.Floor(q.AdmissionFee.Add(q.RecurringTuition))
	q.MinimumApplied = !q.TotalPayable.Equal(q.AdmissionFee.Add(q.RecurringTuition))
	return q
}

// Floor raises amount to the minimum charge.
func (c *FeeCalculator) Floor(amount decimal.Decimal) decimal.Decimal {
	amount = amount.Round(2)
	if amount.LessThan(c.minimum) {
		return c.minimum
	}
	return amount
}

// Minimum returns the configured minimum charge.
func (c *FeeCalculator) Minimum() decimal.Decimal {
	return c.minimum
}
