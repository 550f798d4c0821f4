package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/service"
	"github.com/noah-isme/tuition-billing-api/pkg/response"
)

type enrollmentService interface {
	Quote(ctx context.Context, actor models.Actor, req service.EnrollmentQuoteRequest) (*service.EnrollmentQuote, error)
	InitiatePayment(ctx context.Context, actor models.Actor, req service.InitiateEnrollmentPaymentRequest) (*service.PaymentInitiation, error)
	Create(ctx context.Context, actor models.Actor, req service.CreateEnrollmentRequest) (*models.Enrollment, error)
	Deactivate(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error)
	Reactivate(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error)
	List(ctx context.Context, actor models.Actor, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error)
}

type enrollmentReconciler interface {
	Complete(ctx context.Context, actor models.Actor, paymentID string) (*service.ReconcileResult, error)
	Verify(ctx context.Context, actor models.Actor, paymentID string) (*service.ReconcileResult, error)
}

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentService
	recon       enrollmentReconciler
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentService, recon enrollmentReconciler) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, recon: recon}
}

// Quote godoc
// @Summary Quote an enrollment
// @Description Prices admission and first-period tuition with an optional coupon. Nothing is stored.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.EnrollmentQuoteRequest true "Quote payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollments/initiate [post]
func (h *EnrollmentHandler) Quote(c *gin.Context) {
	var req service.EnrollmentQuoteRequest
	if !bindJSON(c, &req, "invalid quote payload") {
		return
	}
	quote, err := h.enrollments.Quote(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, quote, nil)
}

// InitiatePayment godoc
// @Summary Start an enrollment payment
// @Description Stages a provisional invoice and returns the bKash checkout URL.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.InitiateEnrollmentPaymentRequest true "Payment payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /enrollments/initiate-payment [post]
func (h *EnrollmentHandler) InitiatePayment(c *gin.Context) {
	var req service.InitiateEnrollmentPaymentRequest
	if !bindJSON(c, &req, "invalid payment payload") {
		return
	}
	pay, err := h.enrollments.InitiatePayment(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, pay)
}

// CompleteWithPayment godoc
// @Summary Complete an enrollment after payment
// @Description Executes the bKash payment and materializes the enrollment. Safe to repeat.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body paymentIDRequest true "Gateway payment id"
// @Success 200 {object} response.Envelope
// @Failure 402 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 500 {object} response.Envelope
// @Router /enrollments/complete-with-payment [post]
func (h *EnrollmentHandler) CompleteWithPayment(c *gin.Context) {
	var req paymentIDRequest
	if !bindJSON(c, &req, "payment_id is required") {
		return
	}
	res, err := h.recon.Complete(c.Request.Context(), actorFromContext(c), req.PaymentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// VerifyAndComplete godoc
// @Summary Verify a payment and complete the enrollment
// @Description Queries bKash for the payment status and materializes when completed.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body paymentIDRequest true "Gateway payment id"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/verify-and-complete-payment [post]
func (h *EnrollmentHandler) VerifyAndComplete(c *gin.Context) {
	var req paymentIDRequest
	if !bindJSON(c, &req, "payment_id is required") {
		return
	}
	res, err := h.recon.Verify(c.Request.Context(), actorFromContext(c), req.PaymentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Create godoc
// @Summary Enroll a student directly
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.CreateEnrollmentRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Create(c *gin.Context) {
	var req service.CreateEnrollmentRequest
	if !bindJSON(c, &req, "invalid enrollment payload") {
		return
	}
	enrollment, err := h.enrollments.Create(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// List godoc
// @Summary List enrollments
// @Tags Enrollments
// @Produce json
// @Param student_id query string false "Filter by student"
// @Param batch_id query string false "Filter by batch"
// @Param active query bool false "Filter by active flag"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	filter := models.EnrollmentFilter{
		StudentID: c.Query("student_id"),
		BatchID:   c.Query("batch_id"),
		Page:      queryInt(c, "page", 1),
		PageSize:  queryInt(c, "page_size", 20),
	}
	if raw := c.Query("active"); raw != "" {
		if active, err := strconv.ParseBool(raw); err == nil {
			filter.Active = &active
		}
	}
	enrollments, pagination, err := h.enrollments.List(c.Request.Context(), actorFromContext(c), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Deactivate godoc
// @Summary Deactivate an enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/deactivate [post]
func (h *EnrollmentHandler) Deactivate(c *gin.Context) {
	enrollment, err := h.enrollments.Deactivate(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Reactivate godoc
// @Summary Reactivate an enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/{id}/reactivate [post]
func (h *EnrollmentHandler) Reactivate(c *gin.Context) {
	enrollment, err := h.enrollments.Reactivate(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}
