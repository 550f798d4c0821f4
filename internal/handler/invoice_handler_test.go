package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tuition-billing-api/internal/middleware"
	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/service"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

type invoiceServiceMock struct {
	pending  service.PendingInvoiceQuery
	manual   service.ManualInvoiceRequest
	generate *service.GenerateInvoicesRequest
}

func (m *invoiceServiceMock) ListPending(ctx context.Context, actor models.Actor, q service.PendingInvoiceQuery) ([]models.InvoiceDue, *models.Pagination, error) {
	m.pending = q
	return []models.InvoiceDue{{InvoiceID: "inv-1"}}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, nil
}

func (m *invoiceServiceMock) CreateManual(ctx context.Context, actor models.Actor, req service.ManualInvoiceRequest) (*service.ManualInvoiceResult, error) {
	m.manual = req
	if !actor.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "")
	}
	return &service.ManualInvoiceResult{Invoice: &models.Invoice{ID: "inv-2"}}, nil
}

func (m *invoiceServiceMock) Generate(ctx context.Context, actor models.Actor, req service.GenerateInvoicesRequest) (*service.GenerationReport, error) {
	m.generate = &req
	return &service.GenerationReport{Created: 2}, nil
}

func newInvoiceRouter(svc *invoiceServiceMock, actor models.Actor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewInvoiceHandler(svc)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextActorKey, actor)
		c.Next()
	})
	r.GET("/invoices/pending", h.Pending)
	r.POST("/invoices/manual", h.Manual)
	r.POST("/invoices/generate", h.Generate)
	return r
}

func TestInvoiceHandlerPending(t *testing.T) {
	svc := &invoiceServiceMock{}
	r := newInvoiceRouter(svc, testParent)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/invoices/pending?up_to=2024-04", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-04", svc.pending.UpTo)
	assert.Contains(t, w.Body.String(), `"total_count":1`)
}

func TestInvoiceHandlerManualForbiddenForParent(t *testing.T) {
	svc := &invoiceServiceMock{}
	r := newInvoiceRouter(svc, testParent)

	w := postJSON(r, "/invoices/manual", `{"enrollment_id":"enr-1","month":"2024-05","amount":"750","mark_paid":true}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, svc.manual.MarkPaid)
	assert.Equal(t, "750", svc.manual.Amount.String())
}

func TestInvoiceHandlerGenerateWithoutBody(t *testing.T) {
	svc := &invoiceServiceMock{}
	r := newInvoiceRouter(svc, testAdmin)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/invoices/generate", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.generate)
	assert.Empty(t, svc.generate.Month)

	w = postJSON(r, "/invoices/generate", `{"month":"2024-06"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-06", svc.generate.Month)
}
