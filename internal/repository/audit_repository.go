package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tuition-billing-api/internal/models"
)

// AuditRepository appends audit events. Rows are never updated.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes ev through exec so it commits with the change it describes.
func (r *AuditRepository) Append(ctx context.Context, exec sqlx.ExtContext, ev *models.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = time.Now().UTC()
	var payload interface{}
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	const query = `INSERT INTO audit_events (id, actor_id, actor_kind, action, resource, resource_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := execOr(exec, r.db).ExecContext(ctx, query, ev.ID, ev.ActorID, string(ev.ActorKind), ev.Action,
		ev.Resource, ev.ResourceID, payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
