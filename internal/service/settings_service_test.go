package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

func TestSettingsDefaults(t *testing.T) {
	db := newMemDB()
	svc := NewSettingsService(fakeTx{db}, fakeSettings{db}, fakeAudit{db}, nil, nil)

	items, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, "true", items[0].Value)
	assert.Equal(t, "7", items[1].Value)
	assert.Equal(t, "3,7", items[3].Value)

	billing, err := svc.Billing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.BillingSettings{
		AutoGenerateInvoices:  true,
		InvoiceGenerationDays: 7,
		AutoSendReminders:     true,
		PaymentReminderDays:   []int{3, 7},
	}, *billing)
}

func TestSettingsUpdateNormalizes(t *testing.T) {
	db := newMemDB()
	svc := NewSettingsService(fakeTx{db}, fakeSettings{db}, fakeAudit{db}, nil, nil)

	item, err := svc.Update(context.Background(), adminActor, models.SettingPaymentReminderDays, " 10, 3,10 ")
	require.NoError(t, err)
	assert.Equal(t, "3,10", item.Value)

	_, err = svc.Update(context.Background(), adminActor, models.SettingAutoSendReminders, "FALSE")
	require.NoError(t, err)

	billing, err := svc.Billing(context.Background())
	require.NoError(t, err)
	assert.False(t, billing.AutoSendReminders)
	assert.Equal(t, []int{3, 10}, billing.PaymentReminderDays)
	assert.Equal(t, []string{models.AuditActionSettingUpdate, models.AuditActionSettingUpdate}, db.auditActions())
}

func TestSettingsRejectInvalidValues(t *testing.T) {
	db := newMemDB()
	svc := NewSettingsService(fakeTx{db}, fakeSettings{db}, fakeAudit{db}, nil, nil)
	ctx := context.Background()

	cases := []struct {
		key, value string
	}{
		{models.SettingInvoiceGenerationDays, "0"},
		{models.SettingInvoiceGenerationDays, "16"},
		{models.SettingAutoGenerateInvoices, "yes"},
		{models.SettingPaymentReminderDays, "0,40"},
		{models.SettingPaymentReminderDays, ""},
		{"unknown_key", "1"},
	}
	for _, tc := range cases {
		_, err := svc.Update(ctx, adminActor, tc.key, tc.value)
		requireAppError(t, err, appErrors.ErrValidation.Code)
	}

	_, err := svc.Update(ctx, parentActor, models.SettingAutoGenerateInvoices, "false")
	requireAppError(t, err, appErrors.ErrForbidden.Code)
	assert.Empty(t, db.auditActions())
}

func TestBulkUpdateIsAtomic(t *testing.T) {
	db := newMemDB()
	svc := NewSettingsService(fakeTx{db}, fakeSettings{db}, fakeAudit{db}, nil, nil)

	_, err := svc.BulkUpdate(context.Background(), adminActor, BulkUpdateSettingsRequest{Items: []SettingUpdate{
		{Key: models.SettingInvoiceGenerationDays, Value: "5"},
		{Key: models.SettingAutoGenerateInvoices, Value: "maybe"},
	}})
	requireAppError(t, err, appErrors.ErrValidation.Code)

	item, err := svc.Get(context.Background(), models.SettingInvoiceGenerationDays)
	require.NoError(t, err)
	assert.Equal(t, "7", item.Value)
}

func TestBillingFallsBackOnMalformedReminderDays(t *testing.T) {
	db := newMemDB()
	db.setSetting(models.SettingPaymentReminderDays, "three")
	svc := NewSettingsService(fakeTx{db}, fakeSettings{db}, fakeAudit{db}, nil, nil)

	billing, err := svc.Billing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{3, 7}, billing.PaymentReminderDays)
}
