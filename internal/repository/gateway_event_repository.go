package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tuition-billing-api/internal/models"
)

// GatewayEventRepository keeps the raw webhook log.
type GatewayEventRepository struct {
	db *sqlx.DB
}

// NewGatewayEventRepository constructs the repository.
func NewGatewayEventRepository(db *sqlx.DB) *GatewayEventRepository {
	return &GatewayEventRepository{db: db}
}

// Insert stores a received webhook before any processing.
func (r *GatewayEventRepository) Insert(ctx context.Context, ev *models.GatewayEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = models.GatewayEventReceived
	}
	ev.ReceivedAt = time.Now().UTC()
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	const query = `INSERT INTO payment_gateway_events
	(id, provider, event_type, gateway_payment_id, payload, signature, signature_valid, status, error, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.db.ExecContext(ctx, query, ev.ID, ev.Provider, ev.EventType, ev.GatewayPaymentID, payload,
		ev.Signature, ev.SignatureValid, string(ev.Status), ev.Error, ev.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert gateway event: %w", err)
	}
	return nil
}

// MarkHandled records the processing outcome of an event.
func (r *GatewayEventRepository) MarkHandled(ctx context.Context, id string, status models.GatewayEventStatus, errMsg *string) error {
	const query = `UPDATE payment_gateway_events SET status = $2, error = $3, processed_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, string(status), errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("update gateway event: %w", err)
	}
	return nil
}
