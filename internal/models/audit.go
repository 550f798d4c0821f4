package models

import (
	"encoding/json"
	"time"
)

// Audit actions appended alongside state changes.
const (
	AuditActionEnrollmentCreate     = "ENROLLMENT_CREATE"
	AuditActionEnrollmentDeactivate = "ENROLLMENT_DEACTIVATE"
	AuditActionEnrollmentReactivate = "ENROLLMENT_REACTIVATE"
	AuditActionInvoiceCreate        = "INVOICE_CREATE"
	AuditActionInvoicePromote       = "INVOICE_PROMOTE"
	AuditActionInvoiceDiscard       = "INVOICE_DISCARD"
	AuditActionInvoiceSettle        = "INVOICE_SETTLE"
	AuditActionPaymentInitiate      = "PAYMENT_INITIATE"
	AuditActionPaymentStatus        = "PAYMENT_STATUS"
	AuditActionPaymentRepoint       = "PAYMENT_REPOINT"
	AuditActionCouponCreate         = "COUPON_CREATE"
	AuditActionCouponUpdate         = "COUPON_UPDATE"
	AuditActionSettingUpdate        = "SETTING_UPDATE"
	AuditActionReminderSent         = "REMINDER_SENT"
)

// AuditEvent is an append-only history row written in the same transaction as the change.
type AuditEvent struct {
	ID         string          `db:"id" json:"id"`
	ActorID    string          `db:"actor_id" json:"actor_id"`
	ActorKind  ActorKind       `db:"actor_kind" json:"actor_kind"`
	Action     string          `db:"action" json:"action"`
	Resource   string          `db:"resource" json:"resource"`
	ResourceID string          `db:"resource_id" json:"resource_id"`
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}
