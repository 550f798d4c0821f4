// Package sms delivers text messages to Bangladeshi mobile numbers.
package sms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultEndpoint is the Greenweb HTTP API.
const DefaultEndpoint = "http://api.greenweb.com.bd/api.php"

// ErrInvalidPhone is returned for numbers that are not 11-digit local mobile numbers.
var ErrInvalidPhone = errors.New("invalid phone number")

var phonePattern = regexp.MustCompile(`^01[2-9]\d{8}$`)

// Sender sends one message.
type Sender interface {
	Send(ctx context.Context, phone, message string) (Result, error)
}

// Result is the provider's answer to a send.
type Result struct {
	Success  bool
	Response string
}

// NormalizePhone strips spaces, dashes and the +88 / 88 country prefix, then validates.
func NormalizePhone(raw string) (string, error) {
	phone := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "880") {
		phone = phone[2:]
	}
	if !phonePattern.MatchString(phone) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return phone, nil
}

// GreenwebSender posts messages to the Greenweb gateway.
type GreenwebSender struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *zap.Logger
}

// NewGreenwebSender builds a sender. An empty endpoint uses DefaultEndpoint.
func NewGreenwebSender(endpoint, token string, timeout time.Duration, logger *zap.Logger) *GreenwebSender {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GreenwebSender{endpoint: endpoint, token: token, client: &http.Client{Timeout: timeout}, logger: logger}
}

// Send validates the number and submits the message as a form post.
func (s *GreenwebSender) Send(ctx context.Context, phone, message string) (Result, error) {
	to, err := NormalizePhone(phone)
	if err != nil {
		return Result{}, err
	}
	form := url.Values{"token": {s.token}, "to": {to}, "message": {message}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(body))

	if resp.StatusCode != http.StatusOK || strings.HasPrefix(strings.ToLower(text), "error") {
		s.logger.Warn("sms rejected", zap.String("to", to), zap.Int("status", resp.StatusCode), zap.String("response", text))
		return Result{Success: false, Response: text}, fmt.Errorf("sms provider rejected message: status %d", resp.StatusCode)
	}
	s.logger.Info("sms sent", zap.String("to", to))
	return Result{Success: true, Response: text}, nil
}

// LogSender records messages instead of sending them. Used when SMS is disabled.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender builds a log-only sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the message and reports success.
func (s *LogSender) Send(_ context.Context, phone, message string) (Result, error) {
	to, err := NormalizePhone(phone)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("sms disabled, message not sent", zap.String("to", to), zap.Int("length", len(message)))
	return Result{Success: true, Response: "disabled"}, nil
}
