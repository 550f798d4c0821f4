package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tuition-billing-api/internal/models"
)

const couponColumns = `id, code, admission_waiver, first_month_waiver, tuition_percent, percent_value, expires_at, is_active, created_at, updated_at`

// CouponRepository persists coupons.
type CouponRepository struct {
	db *sqlx.DB
}

// NewCouponRepository constructs the repository.
func NewCouponRepository(db *sqlx.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

// FindByCode looks a coupon up case-insensitively. Returns sql.ErrNoRows when absent.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*models.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE UPPER(code) = $1`
	var c models.Coupon
	if err := r.db.GetContext(ctx, &c, query, strings.ToUpper(strings.TrimSpace(code))); err != nil {
		return nil, fmt.Errorf("find coupon by code: %w", err)
	}
	return &c, nil
}

// FindByID fetches a coupon. Returns sql.ErrNoRows when absent.
func (r *CouponRepository) FindByID(ctx context.Context, id string) (*models.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`
	var c models.Coupon
	if err := r.db.GetContext(ctx, &c, query, id); err != nil {
		return nil, fmt.Errorf("find coupon: %w", err)
	}
	return &c, nil
}

// Create inserts a coupon; duplicate codes yield ErrDuplicate.
func (r *CouponRepository) Create(ctx context.Context, c *models.Coupon) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
	const query = `INSERT INTO coupons (` + couponColumns + `)
VALUES (:id, :code, :admission_waiver, :first_month_waiver, :tuition_percent, :percent_value, :expires_at, :is_active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, c); err != nil {
		return classify(err, "insert coupon")
	}
	return nil
}

// UpdateUnreferenced rewrites a coupon only while no invoice references it. Returns
// ErrNotApplied when the coupon is referenced or missing.
func (r *CouponRepository) UpdateUnreferenced(ctx context.Context, c *models.Coupon) error {
	c.UpdatedAt = time.Now().UTC()
	const query = `UPDATE coupons SET admission_waiver = :admission_waiver, first_month_waiver = :first_month_waiver,
	tuition_percent = :tuition_percent, percent_value = :percent_value, expires_at = :expires_at,
	is_active = :is_active, updated_at = :updated_at
WHERE id = :id AND NOT EXISTS (SELECT 1 FROM invoices i WHERE i.coupon_id = coupons.id)`
	res, err := r.db.NamedExecContext(ctx, query, c)
	if err != nil {
		return fmt.Errorf("update coupon: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotApplied
	}
	return nil
}

// IsReferenced reports whether any invoice carries the coupon.
func (r *CouponRepository) IsReferenced(ctx context.Context, id string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM invoices WHERE coupon_id = $1)`
	var referenced bool
	if err := r.db.GetContext(ctx, &referenced, query, id); err != nil {
		return false, fmt.Errorf("check coupon references: %w", err)
	}
	return referenced, nil
}
