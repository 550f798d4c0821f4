package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BKASH_APP_SECRET", "app-secret")
	t.Setenv("BKASH_WEBHOOK_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://tokenized.sandbox.bka.sh/v1.2.0-beta", cfg.Bkash.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Bkash.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Bkash.TokenMargin)
	assert.Equal(t, "app-secret", cfg.Bkash.WebhookSecret)
	assert.True(t, cfg.Billing.MinimumCharge.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "BDT", cfg.Billing.Currency)
	assert.Equal(t, "Asia/Dhaka", cfg.Billing.Timezone)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BILLING_MINIMUM_CHARGE", "5.50")
	t.Setenv("BKASH_BASE_URL", "https://tokenized.pay.bka.sh/v1.2.0-beta/")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5.5", cfg.Billing.MinimumCharge.String())
	assert.Equal(t, "https://tokenized.pay.bka.sh/v1.2.0-beta", cfg.Bkash.BaseURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestParseDecimalRejectsNegative(t *testing.T) {
	fallback := decimal.NewFromInt(1)
	assert.True(t, parseDecimal("-3", fallback).Equal(fallback))
	assert.True(t, parseDecimal("abc", fallback).Equal(fallback))
	assert.True(t, parseDecimal("", fallback).Equal(fallback))
	assert.Equal(t, "2.25", parseDecimal(" 2.25 ", fallback).String())
}

func TestBillingLocation(t *testing.T) {
	loc := BillingConfig{Timezone: "Not/AZone"}.Location()
	_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 6*60*60, offset)
}
