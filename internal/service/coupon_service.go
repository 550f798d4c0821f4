package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/repository"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

type couponStore interface {
	FindByCode(ctx context.Context, code string) (*models.Coupon, error)
	FindByID(ctx context.Context, id string) (*models.Coupon, error)
	Create(ctx context.Context, c *models.Coupon) error
	UpdateUnreferenced(ctx context.Context, c *models.Coupon) error
}

// CouponRequest describes a coupon create or update payload.
type CouponRequest struct {
	Code         string                `json:"code" validate:"omitempty,max=32,alphanum"`
	Types        []models.DiscountType `json:"types" validate:"required,min=1,dive,oneof=ADMISSION_WAIVER FIRST_MONTH_WAIVER TUITION_PERCENT"`
	PercentValue decimal.Decimal       `json:"percent_value"`
	ExpiresAt    *time.Time            `json:"expires_at"`
	IsActive     *bool                 `json:"is_active"`
}

// CouponValidation is the public answer to a coupon check.
type CouponValidation struct {
	Code         string                `json:"code"`
	Valid        bool                  `json:"valid"`
	Types        []models.DiscountType `json:"types"`
	PercentValue decimal.Decimal       `json:"percent_value"`
	ExpiresAt    *time.Time            `json:"expires_at,omitempty"`
}

// CouponService evaluates and manages coupons.
type CouponService struct {
	repo      couponStore
	audit     auditAppender
	validator *validator.Validate
	logger    *zap.Logger
	loc       *time.Location
	now       func() time.Time
}

// NewCouponService constructs a CouponService. Expiry is judged on the clock in loc.
func NewCouponService(repo couponStore, audit auditAppender, validate *validator.Validate, logger *zap.Logger, loc *time.Location) *CouponService {
	if validate == nil {
		validate = validator.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CouponService{repo: repo, audit: audit, validator: validate, logger: nopLogger(logger), loc: loc, now: time.Now}
}

// Resolve looks up code and turns it into discount effects.
func (s *CouponService) Resolve(ctx context.Context, code string) (*models.Discounts, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.Clone(appErrors.ErrCouponNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load coupon")
	}
	if err := s.checkUsable(coupon); err != nil {
		return nil, err
	}
	d := &models.Discounts{
		CouponID:         coupon.ID,
		CouponCode:       coupon.Code,
		AdmissionWaived:  coupon.AdmissionWaiver,
		FirstMonthWaived: coupon.FirstMonthWaiver,
	}
	if coupon.TuitionPercent {
		d.TuitionPercent = decimal.NewNullDecimal(coupon.PercentValue)
	}
	return d, nil
}

func (s *CouponService) checkUsable(c *models.Coupon) error {
	if !c.IsActive {
		return appErrors.Clone(appErrors.ErrCouponInvalid, "coupon is inactive")
	}
	if c.ExpiresAt != nil && !s.now().In(s.loc).Before(c.ExpiresAt.In(s.loc)) {
		return appErrors.Clone(appErrors.ErrCouponInvalid, "coupon has expired")
	}
	return nil
}

// Validate reports whether code is currently usable.
func (s *CouponService) Validate(ctx context.Context, code string) (*CouponValidation, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "code is required")
	}
	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.Clone(appErrors.ErrCouponNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load coupon")
	}
	return &CouponValidation{
		Code:         coupon.Code,
		Valid:        s.checkUsable(coupon) == nil,
		Types:        coupon.Types(),
		PercentValue: coupon.PercentValue,
		ExpiresAt:    coupon.ExpiresAt,
	}, nil
}

// Create registers a new coupon.
func (s *CouponService) Create(ctx context.Context, actor models.Actor, req CouponRequest) (*models.Coupon, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "code is required")
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	coupon := &models.Coupon{Code: req.Code, PercentValue: req.PercentValue, ExpiresAt: req.ExpiresAt, IsActive: true}
	coupon.SetTypes(req.Types)
	if !coupon.TuitionPercent {
		coupon.PercentValue = decimal.Zero
	}
	if req.IsActive != nil {
		coupon.IsActive = *req.IsActive
	}
	if err := s.repo.Create(ctx, coupon); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "coupon code already exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create coupon")
	}
	if err := audit(ctx, s.audit, nil, actor, models.AuditActionCouponCreate, "coupon", coupon.ID, coupon); err != nil {
		s.logger.Warn("failed to record coupon audit event", zap.String("coupon_id", coupon.ID), zap.Error(err))
	}
	return coupon, nil
}

// Update changes a coupon that no invoice references yet.
func (s *CouponService) Update(ctx context.Context, actor models.Actor, id string, req CouponRequest) (*models.Coupon, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	coupon, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.Clone(appErrors.ErrCouponNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load coupon")
	}
	coupon.SetTypes(req.Types)
	coupon.PercentValue = decimal.Zero
	if coupon.TuitionPercent {
		coupon.PercentValue = req.PercentValue
	}
	coupon.ExpiresAt = req.ExpiresAt
	if req.IsActive != nil {
		coupon.IsActive = *req.IsActive
	}
	if err := s.repo.UpdateUnreferenced(ctx, coupon); err != nil {
		if errors.Is(err, repository.ErrNotApplied) {
			return nil, appErrors.Clone(appErrors.ErrCouponLocked, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update coupon")
	}
	if err := audit(ctx, s.audit, nil, actor, models.AuditActionCouponUpdate, "coupon", coupon.ID, coupon); err != nil {
		s.logger.Warn("failed to record coupon audit event", zap.String("coupon_id", coupon.ID), zap.Error(err))
	}
	return coupon, nil
}

func (s *CouponService) validateRequest(req CouponRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid coupon payload")
	}
	for _, t := range req.Types {
		if t == models.DiscountTuitionPercent {
			if !req.PercentValue.IsPositive() || req.PercentValue.GreaterThan(hundred) {
				return appErrors.Clone(appErrors.ErrValidation, "percent_value must be within (0, 100]")
			}
		}
	}
	return nil
}
