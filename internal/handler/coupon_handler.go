package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/service"
	"github.com/noah-isme/tuition-billing-api/pkg/response"
)

type couponService interface {
	Validate(ctx context.Context, code string) (*service.CouponValidation, error)
	Create(ctx context.Context, actor models.Actor, req service.CouponRequest) (*models.Coupon, error)
	Update(ctx context.Context, actor models.Actor, id string, req service.CouponRequest) (*models.Coupon, error)
}

// CouponHandler exposes coupon endpoints.
type CouponHandler struct {
	coupons couponService
}

// NewCouponHandler constructs CouponHandler.
func NewCouponHandler(coupons couponService) *CouponHandler {
	return &CouponHandler{coupons: coupons}
}

// Validate godoc
// @Summary Check a coupon code
// @Tags Coupons
// @Produce json
// @Param code query string true "Coupon code"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /coupons/validate [get]
func (h *CouponHandler) Validate(c *gin.Context) {
	res, err := h.coupons.Validate(c.Request.Context(), c.Query("code"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Create godoc
// @Summary Create a coupon
// @Tags Coupons
// @Accept json
// @Produce json
// @Param payload body service.CouponRequest true "Coupon payload"
// @Success 201 {object} response.Envelope
// @Router /coupons [post]
func (h *CouponHandler) Create(c *gin.Context) {
	var req service.CouponRequest
	if !bindJSON(c, &req, "invalid coupon payload") {
		return
	}
	coupon, err := h.coupons.Create(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, coupon)
}

// Update godoc
// @Summary Update a coupon
// @Description Rejected with COUPON_LOCKED once an invoice references the coupon.
// @Tags Coupons
// @Accept json
// @Produce json
// @Param id path string true "Coupon ID"
// @Param payload body service.CouponRequest true "Coupon payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /coupons/{id} [put]
func (h *CouponHandler) Update(c *gin.Context) {
	var req service.CouponRequest
	if !bindJSON(c, &req, "invalid coupon payload") {
		return
	}
	coupon, err := h.coupons.Update(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, coupon, nil)
}
