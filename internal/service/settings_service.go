package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

type settingsStore interface {
	ListByKeys(ctx context.Context, keys []string) ([]models.Setting, error)
	BulkUpsert(ctx context.Context, exec sqlx.ExtContext, settings []models.Setting) error
}

type allowedSetting struct {
	Key         string
	Type        models.SettingType
	Description string
	Default     string
	Min, Max    int
}

var allowedSettingKeys = []string{
	models.SettingAutoGenerateInvoices,
	models.SettingInvoiceGenerationDays,
	models.SettingAutoSendReminders,
	models.SettingPaymentReminderDays,
}

var allowedSettings = map[string]allowedSetting{
	models.SettingAutoGenerateInvoices: {
		Key:         models.SettingAutoGenerateInvoices,
		Type:        models.SettingTypeBoolean,
		Description: "Generate next month's invoices automatically",
		Default:     "true",
	},
	models.SettingInvoiceGenerationDays: {
		Key:         models.SettingInvoiceGenerationDays,
		Type:        models.SettingTypeInteger,
		Description: "Days before month end when next month's invoices are generated",
		Default:     "7",
		Min:         1,
		Max:         15,
	},
	models.SettingAutoSendReminders: {
		Key:         models.SettingAutoSendReminders,
		Type:        models.SettingTypeBoolean,
		Description: "Send SMS reminders for unpaid invoices",
		Default:     "true",
	},
	models.SettingPaymentReminderDays: {
		Key:         models.SettingPaymentReminderDays,
		Type:        models.SettingTypeIntList,
		Description: "Days of the month on which payment reminders are sent",
		Default:     "3,7",
		Min:         1,
		Max:         31,
	},
}

// SettingItem is the API view of one billing setting.
type SettingItem struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// SettingUpdate is one key/value pair in a bulk update.
type SettingUpdate struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// BulkUpdateSettingsRequest updates several settings at once.
type BulkUpdateSettingsRequest struct {
	Items []SettingUpdate `json:"items" validate:"required,min=1,dive"`
}

// SettingsService manages billing settings.
type SettingsService struct {
	tx        txRunner
	repo      settingsStore
	audit     auditAppender
	validator *validator.Validate
	logger    *zap.Logger
}

// NewSettingsService constructs a SettingsService.
func NewSettingsService(tx txRunner, repo settingsStore, audit auditAppender, validate *validator.Validate, logger *zap.Logger) *SettingsService {
	if validate == nil {
		validate = validator.New()
	}
	return &SettingsService{tx: tx, repo: repo, audit: audit, validator: validate, logger: nopLogger(logger)}
}

// List returns every billing setting, falling back to defaults for unset keys.
func (s *SettingsService) List(ctx context.Context) ([]SettingItem, error) {
	values, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]SettingItem, 0, len(allowedSettingKeys))
	for _, key := range allowedSettingKeys {
		items = append(items, s.item(key, values[key]))
	}
	return items, nil
}

// Get returns one setting.
func (s *SettingsService) Get(ctx context.Context, key string) (*SettingItem, error) {
	if _, err := requireSetting(key); err != nil {
		return nil, err
	}
	values, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	item := s.item(key, values[key])
	return &item, nil
}

// Update changes one setting.
func (s *SettingsService) Update(ctx context.Context, actor models.Actor, key, value string) (*SettingItem, error) {
	items, err := s.BulkUpdate(ctx, actor, BulkUpdateSettingsRequest{Items: []SettingUpdate{{Key: key, Value: value}}})
	if err != nil {
		return nil, err
	}
	return &items[0], nil
}

// BulkUpdate validates and stores several settings in one transaction.
func (s *SettingsService) BulkUpdate(ctx context.Context, actor models.Actor, req BulkUpdateSettingsRequest) ([]SettingItem, error) {
	if !actor.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only staff can change billing settings")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid settings payload")
	}
	toUpsert := make([]models.Setting, 0, len(req.Items))
	for _, item := range req.Items {
		meta, err := requireSetting(item.Key)
		if err != nil {
			return nil, err
		}
		value, err := normalizeSetting(meta, item.Value)
		if err != nil {
			return nil, err
		}
		toUpsert = append(toUpsert, models.Setting{
			Key:         meta.Key,
			Value:       value,
			Type:        meta.Type,
			Description: stringPtr(meta.Description),
			UpdatedBy:   stringPtr(actor.ID),
		})
	}

	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		if err := s.repo.BulkUpsert(ctx, exec, toUpsert); err != nil {
			return err
		}
		for _, st := range toUpsert {
			if err := audit(ctx, s.audit, exec, actor, models.AuditActionSettingUpdate, "setting", st.Key,
				map[string]string{"value": st.Value}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update settings")
	}

	out := make([]SettingItem, 0, len(toUpsert))
	for _, st := range toUpsert {
		out = append(out, s.item(st.Key, st.Value))
	}
	return out, nil
}

// Billing returns the typed settings the scheduled jobs consume.
func (s *SettingsService) Billing(ctx context.Context) (*models.BillingSettings, error) {
	values, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	get := func(key string) string {
		if v, ok := values[key]; ok {
			return v
		}
		return allowedSettings[key].Default
	}
	days, _ := strconv.Atoi(get(models.SettingInvoiceGenerationDays))
	reminders, err := parseIntList(get(models.SettingPaymentReminderDays))
	if err != nil {
		s.logger.Warn("stored reminder days are malformed, using defaults", zap.Error(err))
		reminders, _ = parseIntList(allowedSettings[models.SettingPaymentReminderDays].Default)
	}
	return &models.BillingSettings{
		AutoGenerateInvoices:  get(models.SettingAutoGenerateInvoices) == "true",
		InvoiceGenerationDays: days,
		AutoSendReminders:     get(models.SettingAutoSendReminders) == "true",
		PaymentReminderDays:   reminders,
	}, nil
}

func (s *SettingsService) load(ctx context.Context) (map[string]string, error) {
	rows, err := s.repo.ListByKeys(ctx, allowedSettingKeys)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settings")
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	return values, nil
}

func (s *SettingsService) item(key, value string) SettingItem {
	meta := allowedSettings[key]
	if value == "" {
		value = meta.Default
	}
	return SettingItem{Key: key, Value: value, Type: string(meta.Type), Description: meta.Description}
}

func requireSetting(key string) (allowedSetting, error) {
	meta, ok := allowedSettings[key]
	if !ok {
		return allowedSetting{}, appErrors.Clone(appErrors.ErrValidation, "unsupported setting key")
	}
	return meta, nil
}

func normalizeSetting(meta allowedSetting, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch meta.Type {
	case models.SettingTypeBoolean:
		switch strings.ToLower(value) {
		case "true", "false":
			return strings.ToLower(value), nil
		}
		return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s expects boolean value", meta.Key))
	case models.SettingTypeInteger:
		n, err := strconv.Atoi(value)
		if err != nil || n < meta.Min || n > meta.Max {
			return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s expects an integer between %d and %d", meta.Key, meta.Min, meta.Max))
		}
		return strconv.Itoa(n), nil
	case models.SettingTypeIntList:
		days, err := parseIntList(value)
		if err != nil || len(days) == 0 {
			return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s expects comma separated days", meta.Key))
		}
		parts := make([]string, 0, len(days))
		for _, d := range days {
			if d < meta.Min || d > meta.Max {
				return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s days must be between %d and %d", meta.Key, meta.Min, meta.Max))
			}
			parts = append(parts, strconv.Itoa(d))
		}
		return strings.Join(parts, ","), nil
	default:
		return "", appErrors.Clone(appErrors.ErrValidation, "unsupported setting type")
	}
}

// parseIntList parses "3, 7,3" into a sorted, de-duplicated list.
func parseIntList(raw string) ([]int, error) {
	seen := map[int]struct{}{}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", part, err)
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}
