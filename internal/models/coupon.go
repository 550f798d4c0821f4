package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType enumerates coupon effects.
type DiscountType string

const (
	DiscountAdmissionWaiver  DiscountType = "ADMISSION_WAIVER"
	DiscountFirstMonthWaiver DiscountType = "FIRST_MONTH_WAIVER"
	DiscountTuitionPercent   DiscountType = "TUITION_PERCENT"
)

// Coupon grants one or more discount effects until it expires.
type Coupon struct {
	ID               string          `db:"id" json:"id"`
	Code             string          `db:"code" json:"code"`
	AdmissionWaiver  bool            `db:"admission_waiver" json:"admission_waiver"`
	FirstMonthWaiver bool            `db:"first_month_waiver" json:"first_month_waiver"`
	TuitionPercent   bool            `db:"tuition_percent" json:"tuition_percent"`
	PercentValue     decimal.Decimal `db:"percent_value" json:"percent_value"`
	ExpiresAt        *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	IsActive         bool            `db:"is_active" json:"is_active"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Types lists the coupon's discount effects in application order.
func (c Coupon) Types() []DiscountType {
	types := make([]DiscountType, 0, 3)
	if c.AdmissionWaiver {
		types = append(types, DiscountAdmissionWaiver)
	}
	if c.FirstMonthWaiver {
		types = append(types, DiscountFirstMonthWaiver)
	}
	if c.TuitionPercent {
		types = append(types, DiscountTuitionPercent)
	}
	return types
}

// SetTypes replaces the discount flags.
func (c *Coupon) SetTypes(types []DiscountType) {
	c.AdmissionWaiver, c.FirstMonthWaiver, c.TuitionPercent = false, false, false
	for _, t := range types {
		switch t {
		case DiscountAdmissionWaiver:
			c.AdmissionWaiver = true
		case DiscountFirstMonthWaiver:
			c.FirstMonthWaiver = true
		case DiscountTuitionPercent:
			c.TuitionPercent = true
		}
	}
}

// Discounts is a coupon resolved into fee adjustments.
type Discounts struct {
	CouponID         string
	CouponCode       string
	AdmissionWaived  bool
	FirstMonthWaived bool
	TuitionPercent   decimal.NullDecimal
}
