package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus tracks one gateway attempt. Completed is sticky.
type PaymentStatus string

const (
	PaymentInitiated PaymentStatus = "Initiated"
	PaymentCompleted PaymentStatus = "Completed"
	PaymentFailed    PaymentStatus = "Failed"
	PaymentCancelled PaymentStatus = "Cancelled"
)

// Terminal reports whether no further transition is expected.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentCancelled
}

// PaymentMethod identifies how money arrived.
type PaymentMethod string

const (
	PaymentMethodBkash  PaymentMethod = "bKash"
	PaymentMethodManual PaymentMethod = "Manual"
)

// Payment is one gateway transaction attempt. PaymentID is the gateway's identifier.
type Payment struct {
	ID                      string          `db:"id" json:"id"`
	InvoiceID               *string         `db:"invoice_id" json:"invoice_id,omitempty"`
	PaymentID               string          `db:"payment_id" json:"payment_id"`
	TrxID                   *string         `db:"trx_id" json:"trx_id,omitempty"`
	Amount                  decimal.Decimal `db:"amount" json:"amount"`
	Method                  PaymentMethod   `db:"method" json:"method"`
	Status                  PaymentStatus   `db:"status" json:"status"`
	PayerReference          string          `db:"payer_reference" json:"payer_reference"`
	MerchantInvoiceNumber   string          `db:"merchant_invoice_number" json:"merchant_invoice_number"`
	MaterializationError    *string         `db:"materialization_error" json:"materialization_error,omitempty"`
	MaterializationFailedAt *time.Time      `db:"materialization_failed_at" json:"materialization_failed_at,omitempty"`
	ExecutedAt              *time.Time      `db:"executed_at" json:"executed_at,omitempty"`
	CreatedBy               *string         `db:"created_by" json:"created_by,omitempty"`
	CreatedAt               time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at" json:"updated_at"`
}

// PaymentFilter scopes payment history listings.
type PaymentFilter struct {
	ParentID string
	Status   PaymentStatus
	Page     int
	PageSize int
}

// PaymentAllocation records the share of a payment applied to one invoice.
type PaymentAllocation struct {
	ID        string          `db:"id" json:"id"`
	PaymentID string          `db:"payment_id" json:"payment_id"`
	InvoiceID string          `db:"invoice_id" json:"invoice_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
