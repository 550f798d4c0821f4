package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/tuition-billing-api/internal/models"
)

const settingUpsert = `INSERT INTO billing_settings (key, value, type, description, updated_by, updated_at)
VALUES (:key, :value, :type, :description, :updated_by, :updated_at)
ON CONFLICT (key)
DO UPDATE SET value = EXCLUDED.value, type = EXCLUDED.type, description = EXCLUDED.description,
              updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`

// SettingsRepository persists billing settings.
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository constructs the repository.
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// ListByKeys returns the stored settings among keys.
func (r *SettingsRepository) ListByKeys(ctx context.Context, keys []string) ([]models.Setting, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	const query = `SELECT key, value, type, description, updated_by, updated_at
FROM billing_settings WHERE key = ANY($1) ORDER BY key ASC`
	var settings []models.Setting
	if err := r.db.SelectContext(ctx, &settings, query, pq.Array(keys)); err != nil {
		return nil, fmt.Errorf("list billing settings: %w", err)
	}
	return settings, nil
}

// BulkUpsert writes settings in one transaction.
func (r *SettingsRepository) BulkUpsert(ctx context.Context, exec sqlx.ExtContext, settings []models.Setting) error {
	now := time.Now().UTC()
	for i := range settings {
		settings[i].UpdatedAt = now
		if _, err := sqlx.NamedExecContext(ctx, execOr(exec, r.db), settingUpsert, settings[i]); err != nil {
			return fmt.Errorf("upsert billing setting %s: %w", settings[i].Key, err)
		}
	}
	return nil
}
