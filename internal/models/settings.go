package models

import "time"

// SettingType defines supported types for billing setting values.
type SettingType string

const (
	SettingTypeBoolean SettingType = "BOOLEAN"
	SettingTypeInteger SettingType = "INTEGER"
	SettingTypeIntList SettingType = "INT_LIST"
)

// Billing setting keys.
const (
	SettingAutoGenerateInvoices  = "auto_generate_invoices"
	SettingInvoiceGenerationDays = "invoice_generation_days"
	SettingAutoSendReminders     = "auto_send_reminders"
	SettingPaymentReminderDays   = "payment_reminder_days"
)

// Setting represents a persisted billing setting entry.
type Setting struct {
	Key         string      `db:"key" json:"key"`
	Value       string      `db:"value" json:"value"`
	Type        SettingType `db:"type" json:"type"`
	Description *string     `db:"description" json:"description,omitempty"`
	UpdatedBy   *string     `db:"updated_by" json:"updated_by,omitempty"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// BillingSettings is the typed view the scheduler consumes.
type BillingSettings struct {
	AutoGenerateInvoices  bool
	InvoiceGenerationDays int
	AutoSendReminders     bool
	PaymentReminderDays   []int
}
