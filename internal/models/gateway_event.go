package models

import (
	"encoding/json"
	"time"
)

// GatewayEventStatus tracks how a received webhook was handled.
type GatewayEventStatus string

const (
	GatewayEventReceived  GatewayEventStatus = "received"
	GatewayEventProcessed GatewayEventStatus = "processed"
	GatewayEventIgnored   GatewayEventStatus = "ignored"
	GatewayEventFailed    GatewayEventStatus = "failed"
)

// GatewayEvent is the raw, append-only log of one webhook delivery.
type GatewayEvent struct {
	ID               string             `db:"id" json:"id"`
	Provider         string             `db:"provider" json:"provider"`
	EventType        string             `db:"event_type" json:"event_type"`
	GatewayPaymentID *string            `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	Payload          json.RawMessage    `db:"payload" json:"payload"`
	Signature        string             `db:"signature" json:"-"`
	SignatureValid   bool               `db:"signature_valid" json:"signature_valid"`
	Status           GatewayEventStatus `db:"status" json:"status"`
	Error            *string            `db:"error" json:"error,omitempty"`
	ReceivedAt       time.Time          `db:"received_at" json:"received_at"`
	ProcessedAt      *time.Time         `db:"processed_at" json:"processed_at,omitempty"`
}
