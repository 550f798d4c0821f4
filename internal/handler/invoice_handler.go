package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/service"
	"github.com/noah-isme/tuition-billing-api/pkg/response"
)

type invoiceService interface {
	ListPending(ctx context.Context, actor models.Actor, q service.PendingInvoiceQuery) ([]models.InvoiceDue, *models.Pagination, error)
	CreateManual(ctx context.Context, actor models.Actor, req service.ManualInvoiceRequest) (*service.ManualInvoiceResult, error)
	Generate(ctx context.Context, actor models.Actor, req service.GenerateInvoicesRequest) (*service.GenerationReport, error)
}

// InvoiceHandler exposes invoice endpoints.
type InvoiceHandler struct {
	invoices invoiceService
}

// NewInvoiceHandler constructs InvoiceHandler.
func NewInvoiceHandler(invoices invoiceService) *InvoiceHandler {
	return &InvoiceHandler{invoices: invoices}
}

// Pending godoc
// @Summary Unpaid invoices
// @Tags Invoices
// @Produce json
// @Param student_id query string false "Filter by student"
// @Param up_to query string false "Last month to include (YYYY-MM)"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /invoices/pending [get]
func (h *InvoiceHandler) Pending(c *gin.Context) {
	q := service.PendingInvoiceQuery{
		StudentID: c.Query("student_id"),
		UpTo:      c.Query("up_to"),
		Page:      queryInt(c, "page", 1),
		PageSize:  queryInt(c, "page_size", 20),
	}
	items, pagination, err := h.invoices.ListPending(c.Request.Context(), actorFromContext(c), q)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Manual godoc
// @Summary Create a manual invoice
// @Description Optionally records an offline Manual payment for the full amount.
// @Tags Invoices
// @Accept json
// @Produce json
// @Param payload body service.ManualInvoiceRequest true "Invoice payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /invoices/manual [post]
func (h *InvoiceHandler) Manual(c *gin.Context) {
	var req service.ManualInvoiceRequest
	if !bindJSON(c, &req, "invalid invoice payload") {
		return
	}
	res, err := h.invoices.CreateManual(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, res)
}

// Generate godoc
// @Summary Generate recurring invoices
// @Description Creates the month's invoice for every billable enrollment. Safe to repeat.
// @Tags Invoices
// @Accept json
// @Produce json
// @Param payload body service.GenerateInvoicesRequest false "Target month"
// @Success 200 {object} response.Envelope
// @Router /invoices/generate [post]
func (h *InvoiceHandler) Generate(c *gin.Context) {
	var req service.GenerateInvoicesRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req, "invalid generation payload") {
		return
	}
	report, err := h.invoices.Generate(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}
