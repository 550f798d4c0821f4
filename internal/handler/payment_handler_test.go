package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tuition-billing-api/internal/middleware"
	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/service"
	"github.com/noah-isme/tuition-billing-api/pkg/bkash"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

type paymentServiceMock struct {
	webhookBody []byte
	webhookSig  string
	webhookErr  error
	callback    [2]string
	actor       models.Actor
	payReq      service.PayInvoicesRequest
	executeErr  error
	historyQ    service.PaymentHistoryQuery
}

func (m *paymentServiceMock) PayInvoices(ctx context.Context, actor models.Actor, req service.PayInvoicesRequest) (*service.PaymentInitiation, error) {
	m.actor, m.payReq = actor, req
	return &service.PaymentInitiation{PaymentID: "PAY-1", BkashURL: "https://sandbox.bka.sh/pay/PAY-1"}, nil
}

func (m *paymentServiceMock) Execute(ctx context.Context, actor models.Actor, paymentID string) (*service.ReconcileResult, error) {
	m.actor = actor
	if m.executeErr != nil {
		return nil, m.executeErr
	}
	return &service.ReconcileResult{PaymentID: paymentID, Status: models.PaymentCompleted}, nil
}

func (m *paymentServiceMock) Query(ctx context.Context, actor models.Actor, paymentID string) (*bkash.PaymentResult, error) {
	return &bkash.PaymentResult{PaymentID: paymentID, TransactionStatus: bkash.StatusInitiated}, nil
}

func (m *paymentServiceMock) History(ctx context.Context, actor models.Actor, q service.PaymentHistoryQuery) ([]models.Payment, *models.Pagination, error) {
	m.actor, m.historyQ = actor, q
	return []models.Payment{}, &models.Pagination{Page: q.Page, PageSize: q.PageSize}, nil
}

func (m *paymentServiceMock) HandleCallback(ctx context.Context, paymentID, status string) string {
	m.callback = [2]string{paymentID, status}
	return "https://app.example/payment/success?paymentID=" + paymentID
}

func (m *paymentServiceMock) HandleWebhook(ctx context.Context, body []byte, signature string) (*service.WebhookResult, error) {
	m.webhookBody, m.webhookSig = body, signature
	if m.webhookErr != nil {
		return nil, m.webhookErr
	}
	return &service.WebhookResult{EventID: "evt-1", Status: "processed", Result: &service.ReconcileResult{PaymentID: "PAY-1"}}, nil
}

func newPaymentRouter(svc *paymentServiceMock, actor models.Actor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewPaymentHandler(svc)
	r := gin.New()
	r.GET("/payments/callback", h.Callback)
	r.POST("/payments/webhook", h.Webhook)
	authed := r.Group("/payments", func(c *gin.Context) {
		c.Set(middleware.ContextActorKey, actor)
		c.Next()
	})
	authed.POST("/invoices/pay", h.PayInvoices)
	authed.POST("/execute", h.Execute)
	authed.GET("/history", h.History)
	return r
}

func TestPaymentHandlerWebhookPassesRawBody(t *testing.T) {
	svc := &paymentServiceMock{}
	r := newPaymentRouter(svc, models.Actor{})
	body := []byte(`{"Type":"Notification","Message":"{\"paymentID\":\"PAY-1\"}"}`)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(body))
	req.Header.Set(bkash.SignatureHeader, "c2lnbmF0dXJl")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, svc.webhookBody)
	assert.Equal(t, "c2lnbmF0dXJl", svc.webhookSig)
	assert.Contains(t, w.Body.String(), `"status":"processed"`)
}

func TestPaymentHandlerWebhookInvalidSignature(t *testing.T) {
	svc := &paymentServiceMock{webhookErr: appErrors.Clone(appErrors.ErrInvalidSignature, "")}
	r := newPaymentRouter(svc, models.Actor{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_SIGNATURE")
}

func TestPaymentHandlerCallbackRedirects(t *testing.T) {
	svc := &paymentServiceMock{}
	r := newPaymentRouter(svc, models.Actor{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payments/callback?paymentID=PAY-1&status=success", nil))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://app.example/payment/success?paymentID=PAY-1", w.Header().Get("Location"))
	assert.Equal(t, [2]string{"PAY-1", "success"}, svc.callback)
}

func TestPaymentHandlerPayInvoicesUsesActor(t *testing.T) {
	svc := &paymentServiceMock{}
	actor := models.Actor{ID: "parent-1", Role: models.RoleParent, Kind: models.ActorUser}
	r := newPaymentRouter(svc, actor)

	body, _ := json.Marshal(map[string]interface{}{"invoice_ids": []string{"inv-1", "inv-2"}})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/payments/invoices/pay", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, actor, svc.actor)
	assert.Equal(t, []string{"inv-1", "inv-2"}, svc.payReq.InvoiceIDs)
}

func TestPaymentHandlerExecuteRequiresPaymentID(t *testing.T) {
	svc := &paymentServiceMock{}
	r := newPaymentRouter(svc, models.Actor{ID: "parent-1", Role: models.RoleParent})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/payments/execute", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentHandlerExecuteMapsNotCompleted(t *testing.T) {
	svc := &paymentServiceMock{executeErr: appErrors.Clone(appErrors.ErrPaymentNotCompleted, "")}
	r := newPaymentRouter(svc, models.Actor{ID: "parent-1", Role: models.RoleParent})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/payments/execute", bytes.NewReader([]byte(`{"payment_id":"PAY-1"}`)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "PAYMENT_NOT_COMPLETED")
}

func TestPaymentHandlerHistoryQuery(t *testing.T) {
	svc := &paymentServiceMock{}
	r := newPaymentRouter(svc, models.Actor{ID: "parent-1", Role: models.RoleParent})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payments/history?status=Completed&page=2&page_size=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.PaymentHistoryQuery{Status: "Completed", Page: 2, PageSize: 5}, svc.historyQ)
}
