package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IntentKind discriminates the payload stored on a provisional invoice.
type IntentKind string

const (
	IntentEnrollment        IntentKind = "enrollment"
	IntentInvoiceSettlement IntentKind = "invoice_settlement"
)

// Current schema versions. Bump when a payload changes shape and keep decoding older versions.
const (
	EnrollmentIntentVersion = 1
	SettlementIntentVersion = 1
)

// ErrUnknownIntent is returned for kinds or versions this build cannot interpret.
var ErrUnknownIntent = errors.New("unknown intent schema")

// EnrollmentIntent freezes every input needed to create the enrollment later.
type EnrollmentIntent struct {
	StudentID          string              `json:"student_id"`
	BatchID            string              `json:"batch_id"`
	CourseID           string              `json:"course_id"`
	StartMonth         time.Time           `json:"start_month"`
	CouponCode         string              `json:"coupon_code,omitempty"`
	CouponID           string              `json:"coupon_id,omitempty"`
	AdmissionWaived    bool                `json:"admission_waived"`
	FirstMonthWaived   bool                `json:"first_month_waived"`
	TuitionPercent     decimal.NullDecimal `json:"tuition_percent"`
	AdmissionFee       decimal.Decimal     `json:"admission_fee"`
	FirstPeriodTuition decimal.Decimal     `json:"first_period_tuition"`
	RecurringTuition   decimal.Decimal     `json:"recurring_tuition"`
	TotalPayable       decimal.Decimal     `json:"total_payable"`
	PayerPhone         string              `json:"payer_phone,omitempty"`
}

// SettlementIntent records which existing invoices one gateway payment settles.
type SettlementIntent struct {
	InvoiceIDs []string          `json:"invoice_ids"`
	Amounts    []decimal.Decimal `json:"amounts"`
	PayerID    string            `json:"payer_id"`
}

// Intent is the tagged union persisted on provisional invoices.
type Intent struct {
	Kind       IntentKind
	Version    int
	Enrollment *EnrollmentIntent
	Settlement *SettlementIntent
}

type intentEnvelope struct {
	Kind    IntentKind      `json:"kind"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnrollmentIntent wraps an enrollment payload at the current version.
func NewEnrollmentIntent(p EnrollmentIntent) Intent {
	return Intent{Kind: IntentEnrollment, Version: EnrollmentIntentVersion, Enrollment: &p}
}

// NewSettlementIntent wraps a settlement payload at the current version.
func NewSettlementIntent(p SettlementIntent) Intent {
	return Intent{Kind: IntentInvoiceSettlement, Version: SettlementIntentVersion, Settlement: &p}
}

// Encode serializes the intent with its discriminator.
func (i Intent) Encode() (json.RawMessage, error) {
	var payload interface{}
	switch i.Kind {
	case IntentEnrollment:
		if i.Enrollment == nil {
			return nil, fmt.Errorf("encode intent: empty enrollment payload")
		}
		payload = i.Enrollment
	case IntentInvoiceSettlement:
		if i.Settlement == nil {
			return nil, fmt.Errorf("encode intent: empty settlement payload")
		}
		payload = i.Settlement
	default:
		return nil, fmt.Errorf("encode intent %q: %w", i.Kind, ErrUnknownIntent)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode intent payload: %w", err)
	}
	return json.Marshal(intentEnvelope{Kind: i.Kind, Version: i.Version, Payload: raw})
}

// DecodeIntent parses a stored intent, refusing kinds and versions it does not know.
func DecodeIntent(raw []byte) (Intent, error) {
	if len(raw) == 0 {
		return Intent{}, fmt.Errorf("decode intent: empty: %w", ErrUnknownIntent)
	}
	var env intentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Intent{}, fmt.Errorf("decode intent envelope: %w", err)
	}
	out := Intent{Kind: env.Kind, Version: env.Version}
	switch {
	case env.Kind == IntentEnrollment && env.Version == 1:
		var p EnrollmentIntent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Intent{}, fmt.Errorf("decode enrollment intent: %w", err)
		}
		out.Enrollment = &p
	case env.Kind == IntentInvoiceSettlement && env.Version == 1:
		var p SettlementIntent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Intent{}, fmt.Errorf("decode settlement intent: %w", err)
		}
		out.Settlement = &p
	default:
		return Intent{}, fmt.Errorf("decode intent %s v%d: %w", env.Kind, env.Version, ErrUnknownIntent)
	}
	return out, nil
}
