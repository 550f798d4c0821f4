package bkash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	pathGrant   = "/tokenized/checkout/token/grant"
	pathRefresh = "/tokenized/checkout/token/refresh"
	pathCreate  = "/tokenized/checkout/create"
	pathExecute = "/tokenized/checkout/execute"
	pathQuery   = "/tokenized/checkout/payment/status"

	checkoutMode   = "0011"
	checkoutIntent = "sale"
	currencyBDT    = "BDT"

	defaultExpiresIn = 3600
	maxResponseBytes = 1 << 20
)

// Config holds merchant credentials and transport limits.
type Config struct {
	BaseURL     string
	AppKey      string
	AppSecret   string
	Username    string
	Password    string
	Timeout     time.Duration
	TokenMargin time.Duration
}

// Observer receives one sample per gateway HTTP exchange.
type Observer interface {
	ObserveGatewayCall(operation, outcome string, duration time.Duration)
}

// CreatePaymentRequest describes a checkout to open.
type CreatePaymentRequest struct {
	Amount                decimal.Decimal
	MerchantInvoiceNumber string
	PayerReference        string
	CallbackURL           string
}

// CreatePaymentResponse carries the redirect target for the payer.
type CreatePaymentResponse struct {
	PaymentID             string `json:"paymentID"`
	BkashURL              string `json:"bkashURL"`
	SuccessCallbackURL    string `json:"successCallbackURL"`
	FailureCallbackURL    string `json:"failureCallbackURL"`
	CancelledCallbackURL  string `json:"cancelledCallbackURL"`
	Amount                string `json:"amount"`
	MerchantInvoiceNumber string `json:"merchantInvoiceNumber"`
	TransactionStatus     string `json:"transactionStatus"`
}

// PaymentResult is the verified view returned by execute and query.
type PaymentResult struct {
	PaymentID             string `json:"paymentID"`
	TrxID                 string `json:"trxID"`
	TransactionStatus     string `json:"transactionStatus"`
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	MerchantInvoiceNumber string `json:"merchantInvoiceNumber"`
	PayerReference        string `json:"payerReference"`
	CustomerMsisdn        string `json:"customerMsisdn"`
	StatusCode            string `json:"-"`
	StatusMessage         string `json:"-"`
}

// Completed reports whether the gateway settled the charge.
func (r *PaymentResult) Completed() bool {
	return r != nil && r.TransactionStatus == StatusCompleted
}

type envelope struct {
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
	ErrorCode     string `json:"errorCode"`
	ErrorMessage  string `json:"errorMessage"`
}

func (e envelope) failure(op string) error {
	switch {
	case e.ErrorCode != "":
		return &GatewayError{Op: op, Code: e.ErrorCode, Message: e.ErrorMessage}
	case e.StatusCode != CodeSuccess:
		return &GatewayError{Op: op, Code: e.StatusCode, Message: e.StatusMessage}
	}
	return nil
}

type tokenResponse struct {
	envelope
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Client talks to the bKash tokenized checkout API.
type Client struct {
	cfg      Config
	http     *http.Client
	store    TokenStore
	fallback *MemoryTokenStore
	observer Observer
	logger   *zap.Logger
	grants   singleflight.Group
	now      func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenStore shares tokens through store (for example Redis).
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) { c.store = store }
}

// WithObserver reports call durations and outcomes.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient builds a gateway client. Without a store, tokens live in process memory.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenMargin <= 0 {
		cfg.TokenMargin = 5 * time.Minute
	}
	c := &Client{
		cfg:      cfg,
		fallback: NewMemoryTokenStore(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.store == nil {
		c.store = c.fallback
	}
	return c
}

// CreatePayment opens a checkout and returns the payer redirect URL.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResponse, error) {
	body := map[string]string{
		"mode":                  checkoutMode,
		"payerReference":        req.PayerReference,
		"callbackURL":           req.CallbackURL,
		"amount":                req.Amount.StringFixed(2),
		"currency":              currencyBDT,
		"intent":                checkoutIntent,
		"merchantInvoiceNumber": req.MerchantInvoiceNumber,
	}
	var out struct {
		envelope
		CreatePaymentResponse
	}
	if err := c.authorized(ctx, "create", pathCreate, body, &out); err != nil {
		return nil, err
	}
	if err := out.failure("create"); err != nil {
		return nil, err
	}
	return &out.CreatePaymentResponse, nil
}

// ExecutePayment captures an authorised checkout.
func (c *Client) ExecutePayment(ctx context.Context, paymentID string) (*PaymentResult, error) {
	return c.paymentCall(ctx, "execute", pathExecute, paymentID)
}

// QueryPayment reads the gateway's view of a checkout without changing it.
func (c *Client) QueryPayment(ctx context.Context, paymentID string) (*PaymentResult, error) {
	return c.paymentCall(ctx, "query", pathQuery, paymentID)
}

func (c *Client) paymentCall(ctx context.Context, op, path, paymentID string) (*PaymentResult, error) {
	var out struct {
		envelope
		PaymentResult
	}
	if err := c.authorized(ctx, op, path, map[string]string{"paymentID": paymentID}, &out); err != nil {
		return nil, err
	}
	if err := out.failure(op); err != nil {
		return nil, err
	}
	out.PaymentResult.StatusCode = out.envelope.StatusCode
	out.PaymentResult.StatusMessage = out.envelope.StatusMessage
	return &out.PaymentResult, nil
}

// authorized performs an authenticated call. An HTTP 401 drops the token, re-authenticates
// once and retries the call exactly once.
func (c *Client) authorized(ctx context.Context, op, path string, body, out interface{}) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	status, err := c.post(ctx, op, path, c.authHeaders(token), body, out)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return nil
	}

	c.logger.Info("bkash token rejected, re-authenticating", zap.String("operation", op))
	c.clearToken(ctx)
	token, err = c.ensureToken(ctx)
	if err != nil {
		return err
	}
	status, err = c.post(ctx, op, path, c.authHeaders(token), body, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return &GatewayError{Op: op, Code: "401", Message: "authorization rejected after re-authentication"}
	}
	return nil
}

func (c *Client) authHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": token,
		"X-App-Key":     c.cfg.AppKey,
	}
}

// ensureToken returns a token valid for at least the safety margin, refreshing or granting
// as needed. Concurrent callers in this process share one grant.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	current := c.loadToken(ctx)
	if current.usable(c.now(), c.cfg.TokenMargin) {
		return current.IDToken, nil
	}

	v, err, _ := c.grants.Do("token", func() (interface{}, error) {
		if again := c.loadToken(ctx); again.usable(c.now(), c.cfg.TokenMargin) {
			return again, nil
		}
		var (
			tok *Token
			err error
		)
		if current != nil && current.RefreshToken != "" {
			tok, err = c.requestToken(ctx, "refresh", pathRefresh, map[string]string{
				"app_key":       c.cfg.AppKey,
				"app_secret":    c.cfg.AppSecret,
				"refresh_token": current.RefreshToken,
			})
			if err != nil {
				c.logger.Warn("bkash token refresh failed, granting new token", zap.Error(err))
			}
		}
		if tok == nil {
			tok, err = c.requestToken(ctx, "grant", pathGrant, map[string]string{
				"app_key":    c.cfg.AppKey,
				"app_secret": c.cfg.AppSecret,
			})
			if err != nil {
				return nil, err
			}
		}
		c.saveToken(ctx, *tok)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*Token).IDToken, nil
}

func (c *Client) requestToken(ctx context.Context, op, path string, body map[string]string) (*Token, error) {
	headers := map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	}
	var out tokenResponse
	status, err := c.post(ctx, op, path, headers, body, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, &GatewayError{Op: op, Code: "401", Message: "merchant credentials rejected"}
	}
	if out.IDToken == "" {
		if gerr := out.failure(op); gerr != nil {
			return nil, gerr
		}
		return nil, &GatewayError{Op: op, Code: out.StatusCode, Message: "token missing from response"}
	}
	expiresIn := out.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	return &Token{
		IDToken:      out.IDToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (c *Client) loadToken(ctx context.Context) *Token {
	tok, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("bkash token store unavailable, using local token", zap.Error(err))
		tok, _ = c.fallback.Load(ctx)
	}
	return tok
}

func (c *Client) saveToken(ctx context.Context, tok Token) {
	_ = c.fallback.Save(ctx, tok)
	if c.store == TokenStore(c.fallback) {
		return
	}
	if err := c.store.Save(ctx, tok); err != nil {
		c.logger.Warn("failed to share bkash token", zap.Error(err))
	}
}

func (c *Client) clearToken(ctx context.Context) {
	_ = c.fallback.Clear(ctx)
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("failed to clear shared bkash token", zap.Error(err))
	}
}

// post sends a JSON request. Transport failures, 5xx answers and undecodable bodies are
// reported as *UnavailableError. A 401 is returned as a status so callers can re-authenticate.
func (c *Client) post(ctx context.Context, op, path string, headers map[string]string, body, out interface{}) (status int, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveGatewayCall(op, outcomeLabel(status, err), time.Since(start))
		}
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &UnavailableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, &UnavailableError{Op: op, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, &UnavailableError{Op: op, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, &UnavailableError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return resp.StatusCode, nil
}

func outcomeLabel(status int, err error) string {
	var ue *UnavailableError
	switch {
	case errors.As(err, &ue):
		return "unavailable"
	case err != nil:
		return "error"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status >= 400:
		return "rejected"
	default:
		return "ok"
	}
}
