package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/pkg/bkash"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

// PaymentInitiation is returned once a gateway checkout is open.
type PaymentInitiation struct {
	PaymentID             string          `json:"payment_id"`
	BkashURL              string          `json:"bkash_url"`
	ProvisionalInvoiceID  string          `json:"provisional_invoice_id"`
	MerchantInvoiceNumber string          `json:"merchant_invoice_number"`
	Amount                decimal.Decimal `json:"amount"`
	Quote                 *FeeQuote       `json:"quote,omitempty"`
}

// checkout stages a provisional invoice and opens the matching gateway payment.
type checkout struct {
	invoices    invoiceStore
	payments    paymentStore
	gateway     paymentGateway
	audit       auditAppender
	logger      *zap.Logger
	callbackURL string
}

type checkoutRequest struct {
	Actor    models.Actor
	Intent   models.Intent
	Month    models.Invoice
	Amount   decimal.Decimal
	Prefix   string
	RefParts []string
	Payer    string
}

func randomSuffix() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

// merchantReference builds PREFIX-part-...-RAND6.
func merchantReference(prefix string, parts ...string) string {
	segments := append([]string{prefix}, parts...)
	segments = append(segments, randomSuffix())
	return strings.Join(segments, "-")
}

func (c *checkout) open(ctx context.Context, req checkoutRequest) (*PaymentInitiation, error) {
	raw, err := req.Intent.Encode()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode payment intent")
	}
	provisional := req.Month
	provisional.Amount = req.Amount
	provisional.Intent = types.NullJSONText{JSONText: types.JSONText(raw), Valid: true}
	if err := c.invoices.CreateProvisional(ctx, &provisional); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stage invoice")
	}

	log := c.logger.With(zap.String("provisional_invoice_id", provisional.ID))
	merchantRef := merchantReference(req.Prefix, req.RefParts...)
	resp, err := c.gateway.CreatePayment(ctx, bkash.CreatePaymentRequest{
		Amount:                req.Amount,
		MerchantInvoiceNumber: merchantRef,
		PayerReference:        req.Payer,
		CallbackURL:           c.callbackURL,
	})
	if err != nil {
		log.Warn("gateway checkout failed", zap.Error(err))
		c.discard(ctx, log, provisional.ID)
		return nil, classifyGatewayError(err)
	}

	payment := &models.Payment{
		InvoiceID:             &provisional.ID,
		PaymentID:             resp.PaymentID,
		Amount:                req.Amount,
		Method:                models.PaymentMethodBkash,
		Status:                models.PaymentInitiated,
		PayerReference:        req.Payer,
		MerchantInvoiceNumber: merchantRef,
		CreatedBy:             stringPtr(req.Actor.ID),
	}
	if err := c.payments.Create(ctx, nil, payment); err != nil {
		log.Error("failed to record initiated payment", zap.String("gateway_payment_id", resp.PaymentID), zap.Error(err))
		c.discard(ctx, log, provisional.ID)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment")
	}
	if err := audit(ctx, c.audit, nil, req.Actor, models.AuditActionPaymentInitiate, "payment", resp.PaymentID, map[string]interface{}{
		"provisional_invoice_id": provisional.ID,
		"amount":                 req.Amount,
		"kind":                   req.Intent.Kind,
	}); err != nil {
		log.Warn("failed to record payment audit event", zap.Error(err))
	}
	log.Info("payment initiated", zap.String("gateway_payment_id", resp.PaymentID), zap.String("merchant_invoice_number", merchantRef))

	return &PaymentInitiation{
		PaymentID:             resp.PaymentID,
		BkashURL:              resp.BkashURL,
		ProvisionalInvoiceID:  provisional.ID,
		MerchantInvoiceNumber: merchantRef,
		Amount:                req.Amount,
	}, nil
}

func (c *checkout) discard(ctx context.Context, log *zap.Logger, id string) {
	if _, err := c.invoices.Discard(ctx, nil, id); err != nil {
		log.Error("failed to discard provisional invoice", zap.Error(err))
	}
}
