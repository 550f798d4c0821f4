package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/service"
	"github.com/noah-isme/tuition-billing-api/pkg/bkash"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
	"github.com/noah-isme/tuition-billing-api/pkg/response"
)

const maxWebhookBody = 1 << 20

type paymentService interface {
	PayInvoices(ctx context.Context, actor models.Actor, req service.PayInvoicesRequest) (*service.PaymentInitiation, error)
	Execute(ctx context.Context, actor models.Actor, paymentID string) (*service.ReconcileResult, error)
	Query(ctx context.Context, actor models.Actor, paymentID string) (*bkash.PaymentResult, error)
	History(ctx context.Context, actor models.Actor, q service.PaymentHistoryQuery) ([]models.Payment, *models.Pagination, error)
	HandleCallback(ctx context.Context, paymentID, status string) string
	HandleWebhook(ctx context.Context, body []byte, signature string) (*service.WebhookResult, error)
}

// PaymentHandler exposes payment endpoints, including the unauthenticated bKash hooks.
type PaymentHandler struct {
	payments paymentService
}

// NewPaymentHandler constructs PaymentHandler.
func NewPaymentHandler(payments paymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// Callback godoc
// @Summary bKash redirect callback
// @Description Browser redirect target after checkout. Always redirects to the frontend.
// @Tags Payments
// @Param paymentID query string true "Gateway payment id"
// @Param status query string true "success, failure or cancel"
// @Success 302
// @Router /payments/callback [get]
func (h *PaymentHandler) Callback(c *gin.Context) {
	target := h.payments.HandleCallback(c.Request.Context(), c.Query("paymentID"), c.Query("status"))
	c.Redirect(http.StatusFound, target)
}

// Webhook godoc
// @Summary bKash webhook
// @Description Signed server-to-server notification. The signature header is an HMAC-SHA256 of the raw body.
// @Tags Payments
// @Accept json
// @Produce json
// @Param x-bkash-signature header string true "Base64 HMAC-SHA256 of the body"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /payments/webhook [post]
func (h *PaymentHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable webhook body"))
		return
	}
	res, err := h.payments.HandleWebhook(c.Request.Context(), body, c.GetHeader(bkash.SignatureHeader))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// PayInvoices godoc
// @Summary Pay unpaid invoices
// @Description Opens one bKash payment settling one or more unpaid invoices.
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body service.PayInvoicesRequest true "Invoices to pay"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /payments/invoices/pay [post]
func (h *PaymentHandler) PayInvoices(c *gin.Context) {
	var req service.PayInvoicesRequest
	if !bindJSON(c, &req, "invalid pay invoices payload") {
		return
	}
	pay, err := h.payments.PayInvoices(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, pay)
}

// Execute godoc
// @Summary Execute a payment
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body paymentIDRequest true "Gateway payment id"
// @Success 200 {object} response.Envelope
// @Router /payments/execute [post]
func (h *PaymentHandler) Execute(c *gin.Context) {
	var req paymentIDRequest
	if !bindJSON(c, &req, "payment_id is required") {
		return
	}
	res, err := h.payments.Execute(c.Request.Context(), actorFromContext(c), req.PaymentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Query godoc
// @Summary Query a payment at bKash
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body paymentIDRequest true "Gateway payment id"
// @Success 200 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /payments/query [post]
func (h *PaymentHandler) Query(c *gin.Context) {
	var req paymentIDRequest
	if !bindJSON(c, &req, "payment_id is required") {
		return
	}
	res, err := h.payments.Query(c.Request.Context(), actorFromContext(c), req.PaymentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// History godoc
// @Summary Payment history
// @Tags Payments
// @Produce json
// @Param status query string false "Initiated, Completed, Failed or Cancelled"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /payments/history [get]
func (h *PaymentHandler) History(c *gin.Context) {
	q := service.PaymentHistoryQuery{
		Status:   c.Query("status"),
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 20),
	}
	items, pagination, err := h.payments.History(c.Request.Context(), actorFromContext(c), q)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}
