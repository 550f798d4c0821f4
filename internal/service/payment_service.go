package service

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/pkg/bkash"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
	"github.com/noah-isme/tuition-billing-api/pkg/logger"
)

type reconciler interface {
	Complete(ctx context.Context, actor models.Actor, paymentID string) (*ReconcileResult, error)
	Verify(ctx context.Context, actor models.Actor, paymentID string) (*ReconcileResult, error)
	Query(ctx context.Context, actor models.Actor, paymentID string) (*bkash.PaymentResult, error)
	ConfirmFromWebhook(ctx context.Context, paymentID, trxID, status string) (*ReconcileResult, error)
	MarkFromCallback(ctx context.Context, paymentID string, status models.PaymentStatus) error
}

// PayInvoicesRequest opens one checkout settling one or more unpaid invoices.
type PayInvoicesRequest struct {
	InvoiceIDs []string `json:"invoice_ids" validate:"required,min=1,max=24,dive,required"`
	PayerPhone string   `json:"payer_phone" validate:"omitempty,max=20"`
}

// PaymentHistoryQuery filters payment history.
type PaymentHistoryQuery struct {
	Status   string `form:"status" validate:"omitempty,oneof=Initiated Completed Failed Cancelled"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// WebhookResult reports how a gateway notification was handled.
type WebhookResult struct {
	EventID string           `json:"event_id,omitempty"`
	Status  string           `json:"status"`
	Result  *ReconcileResult `json:"result,omitempty"`
}

// PaymentConfig carries gateway redirect and webhook settings.
type PaymentConfig struct {
	CallbackURL   string
	WebhookSecret string
	SuccessURL    string
	FailureURL    string
	CancelURL     string
}

type webhookEnvelope struct {
	Type         string `json:"Type"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type webhookNotification struct {
	PaymentID             string `json:"paymentID"`
	MerchantInvoiceNumber string `json:"merchantInvoiceNumber"`
	TransactionStatus     string `json:"transactionStatus"`
	TrxID                 string `json:"trxID"`
}

// PaymentService drives invoice settlement checkouts and the gateway-facing entry points.
type PaymentService struct {
	invoices  invoiceStore
	payments  paymentStore
	events    gatewayEventStore
	recon     reconciler
	checkout  *checkout
	validator *validator.Validate
	logger    *zap.Logger
	cfg       PaymentConfig
	now       func() time.Time
}

// NewPaymentService constructs PaymentService.
func NewPaymentService(invoices invoiceStore, payments paymentStore, events gatewayEventStore, recon reconciler, gateway paymentGateway, audit auditAppender, validate *validator.Validate, logger *zap.Logger, cfg PaymentConfig) *PaymentService {
	if validate == nil {
		validate = validator.New()
	}
	logger = nopLogger(logger)
	return &PaymentService{
		invoices: invoices,
		payments: payments,
		events:   events,
		recon:    recon,
		checkout: &checkout{
			invoices:    invoices,
			payments:    payments,
			gateway:     gateway,
			audit:       audit,
			logger:      logger,
			callbackURL: cfg.CallbackURL,
		},
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// PayInvoices stages a settlement intent for the requested invoices and opens a checkout for
// their combined amount.
func (s *PaymentService) PayInvoices(ctx context.Context, actor models.Actor, req PayInvoicesRequest) (*PaymentInitiation, error) {
	if actor.IsZero() {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}
	ids := uniqueStrings(req.InvoiceIDs)

	due, err := s.invoices.ListDueByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoices")
	}
	if len(due) != len(ids) {
		return nil, s.explainMissing(ctx, ids, due)
	}

	total := decimal.Zero
	intent := models.SettlementIntent{PayerID: actor.ID}
	for _, d := range due {
		if !actor.IsStaff() && d.ParentID != actor.ID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "invoice belongs to another account")
		}
		intent.InvoiceIDs = append(intent.InvoiceIDs, d.InvoiceID)
		intent.Amounts = append(intent.Amounts, d.Amount)
		total = total.Add(d.Amount)
	}
	if !total.IsPositive() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "selected invoices have nothing to pay")
	}

	prefix, parts := "INV", []string{shortID(due[0].InvoiceID)}
	if len(due) > 1 {
		prefix, parts = "MULTI", []string{strconv.Itoa(len(due))}
	}
	payer := req.PayerPhone
	if payer == "" && due[0].Phone != nil {
		payer = *due[0].Phone
	}
	if payer == "" {
		payer = actor.ID
	}

	return s.checkout.open(ctx, checkoutRequest{
		Actor:    actor,
		Intent:   models.NewSettlementIntent(intent),
		Month:    models.Invoice{Month: due[0].Month},
		Amount:   total,
		Prefix:   prefix,
		RefParts: parts,
		Payer:    payer,
	})
}

func (s *PaymentService) explainMissing(ctx context.Context, ids []string, due []models.InvoiceDue) error {
	found := make(map[string]struct{}, len(due))
	for _, d := range due {
		found[d.InvoiceID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := found[id]; ok {
			continue
		}
		inv, err := s.invoices.FindByID(ctx, nil, id)
		switch {
		case err == nil && inv.IsPaid:
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvoiceAlreadyPaid, ""), map[string]interface{}{"invoice_id": id})
		case err == nil || isNoRows(err):
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrNotFound, "invoice not found"), map[string]interface{}{"invoice_id": id})
		default:
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
		}
	}
	return appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
}

// Execute is the generic explicit-completion entry point.
func (s *PaymentService) Execute(ctx context.Context, actor models.Actor, paymentID string) (*ReconcileResult, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "payment_id is required")
	}
	return s.recon.Complete(ctx, actor, paymentID)
}

// Verify re-checks a payment with the gateway and finishes it when it has completed.
func (s *PaymentService) Verify(ctx context.Context, actor models.Actor, paymentID string) (*ReconcileResult, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "payment_id is required")
	}
	return s.recon.Verify(ctx, actor, paymentID)
}

// Query returns the gateway's view of a payment.
func (s *PaymentService) Query(ctx context.Context, actor models.Actor, paymentID string) (*bkash.PaymentResult, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "payment_id is required")
	}
	return s.recon.Query(ctx, actor, paymentID)
}

// History lists payments visible to the actor.
func (s *PaymentService) History(ctx context.Context, actor models.Actor, q PaymentHistoryQuery) ([]models.Payment, *models.Pagination, error) {
	if err := s.validator.Struct(q); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid history query")
	}
	filter := models.PaymentFilter{Status: models.PaymentStatus(q.Status), Page: q.Page, PageSize: q.PageSize}
	if !actor.IsStaff() {
		filter.ParentID = actor.ID
	}
	items, total, err := s.payments.ListHistory(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list payments")
	}
	return items, pagination(q.Page, q.PageSize, total), nil
}

// HandleCallback applies the browser redirect from the gateway and returns where to send the
// user next. Only failure and cancel change local state.
func (s *PaymentService) HandleCallback(ctx context.Context, paymentID, status string) string {
	log := logger.FromContext(ctx, s.logger).With(zap.String("gateway_payment_id", paymentID), zap.String("callback_status", status))
	if paymentID == "" {
		log.Warn("gateway callback without payment id")
		return s.cfg.FailureURL
	}
	if _, err := s.payments.FindByPaymentID(ctx, nil, paymentID); err != nil {
		log.Warn("gateway callback for unknown payment", zap.Error(err))
		return s.cfg.FailureURL
	}

	switch status {
	case "success":
		return withPaymentID(s.cfg.SuccessURL, paymentID)
	case "failure", "cancel":
		target, next := models.PaymentFailed, s.cfg.FailureURL
		if status == "cancel" {
			target, next = models.PaymentCancelled, s.cfg.CancelURL
		}
		if err := s.recon.MarkFromCallback(ctx, paymentID, target); err != nil {
			log.Error("failed to apply gateway callback", zap.Error(err))
		}
		return withPaymentID(next, paymentID)
	default:
		log.Warn("gateway callback with unknown status")
		return s.cfg.FailureURL
	}
}

func withPaymentID(base, paymentID string) string {
	if base == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "paymentID=" + url.QueryEscape(paymentID)
}

// HandleWebhook authenticates a gateway notification, records it and reconciles the payment it
// names. Every delivery is logged, including rejected ones.
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	valid := s.cfg.WebhookSecret != "" && bkash.VerifySignature(body, signature, s.cfg.WebhookSecret)

	var envelope webhookEnvelope
	parseErr := json.Unmarshal(body, &envelope)
	var note webhookNotification
	if parseErr == nil && envelope.Type == "Notification" {
		parseErr = json.Unmarshal([]byte(envelope.Message), &note)
	}

	event := &models.GatewayEvent{
		Provider:       "bkash",
		EventType:      envelope.Type,
		Payload:        rawPayload(body),
		Signature:      signature,
		SignatureValid: valid,
		Status:         models.GatewayEventReceived,
		ReceivedAt:     s.now().UTC(),
	}
	if note.PaymentID != "" {
		event.GatewayPaymentID = &note.PaymentID
	}
	if event.EventType == "" {
		event.EventType = "unknown"
	}
	if err := s.events.Insert(ctx, event); err != nil {
		s.logger.Error("failed to record gateway event", zap.Error(err))
	}
	log := logger.FromContext(ctx, s.logger).With(zap.String("gateway_event_id", event.ID), zap.String("event_type", event.EventType))

	if !valid {
		log.Warn("rejected webhook with invalid signature")
		s.markEvent(ctx, event, models.GatewayEventFailed, "invalid signature")
		return nil, appErrors.Clone(appErrors.ErrInvalidSignature, "")
	}
	if parseErr != nil {
		s.markEvent(ctx, event, models.GatewayEventFailed, "invalid payload")
		return nil, appErrors.Wrap(parseErr, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid webhook payload")
	}

	switch envelope.Type {
	case "SubscriptionConfirmation":
		log.Info("webhook subscription noted", zap.String("subscribe_url", envelope.SubscribeURL))
		s.markEvent(ctx, event, models.GatewayEventIgnored, "")
		return &WebhookResult{EventID: event.ID, Status: "subscription_noted"}, nil
	case "Notification":
	default:
		s.markEvent(ctx, event, models.GatewayEventIgnored, "unknown notification type")
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown notification type")
	}

	if note.PaymentID == "" {
		s.markEvent(ctx, event, models.GatewayEventFailed, "notification without paymentID")
		return nil, appErrors.Clone(appErrors.ErrValidation, "notification without paymentID")
	}
	log = log.With(zap.String("gateway_payment_id", note.PaymentID), zap.String("transaction_status", note.TransactionStatus))

	result, err := s.recon.ConfirmFromWebhook(ctx, note.PaymentID, note.TrxID, note.TransactionStatus)
	switch {
	case err == nil:
		s.markEvent(ctx, event, models.GatewayEventProcessed, "")
		return &WebhookResult{EventID: event.ID, Status: "processed", Result: result}, nil
	case appErrors.HasCode(err, appErrors.ErrPaymentNotCompleted.Code), appErrors.HasCode(err, appErrors.ErrGateway.Code):
		s.markEvent(ctx, event, models.GatewayEventProcessed, "")
		return &WebhookResult{EventID: event.ID, Status: "not_completed"}, nil
	case appErrors.HasCode(err, appErrors.ErrNotFound.Code):
		log.Warn("webhook for unknown payment")
		s.markEvent(ctx, event, models.GatewayEventIgnored, "unknown payment")
		return &WebhookResult{EventID: event.ID, Status: "ignored"}, nil
	default:
		log.Error("webhook reconciliation failed", zap.Error(err))
		s.markEvent(ctx, event, models.GatewayEventFailed, err.Error())
		return nil, err
	}
}

func (s *PaymentService) markEvent(ctx context.Context, ev *models.GatewayEvent, status models.GatewayEventStatus, msg string) {
	if ev.ID == "" {
		return
	}
	if err := s.events.MarkHandled(ctx, ev.ID, status, stringPtr(msg)); err != nil {
		s.logger.Warn("failed to update gateway event", zap.String("gateway_event_id", ev.ID), zap.Error(err))
	}
}

func rawPayload(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage(`null`)
	}
	return quoted
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
