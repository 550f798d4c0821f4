package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/service"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
	"github.com/noah-isme/tuition-billing-api/pkg/response"
)

type settingsService interface {
	List(ctx context.Context) ([]service.SettingItem, error)
	Get(ctx context.Context, key string) (*service.SettingItem, error)
	Update(ctx context.Context, actor models.Actor, key, value string) (*service.SettingItem, error)
	BulkUpdate(ctx context.Context, actor models.Actor, req service.BulkUpdateSettingsRequest) ([]service.SettingItem, error)
}

// SettingsHandler exposes billing settings endpoints.
type SettingsHandler struct {
	service settingsService
}

// NewSettingsHandler builds a new handler.
func NewSettingsHandler(service settingsService) *SettingsHandler {
	return &SettingsHandler{service: service}
}

// List godoc
// @Summary List billing settings
// @Tags Settings
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /settings/billing [get]
func (h *SettingsHandler) List(c *gin.Context) {
	items, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Get godoc
// @Summary Get billing setting by key
// @Tags Settings
// @Produce json
// @Param key path string true "Setting key"
// @Success 200 {object} response.Envelope
// @Router /settings/billing/{key} [get]
func (h *SettingsHandler) Get(c *gin.Context) {
	item, err := h.service.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Update godoc
// @Summary Update billing setting
// @Tags Settings
// @Accept json
// @Produce json
// @Param key path string true "Setting key"
// @Param payload body service.SettingUpdate true "Setting payload"
// @Success 200 {object} response.Envelope
// @Router /settings/billing/{key} [put]
func (h *SettingsHandler) Update(c *gin.Context) {
	var req service.SettingUpdate
	if !bindJSON(c, &req, "invalid setting payload") {
		return
	}
	if req.Key == "" {
		req.Key = c.Param("key")
	}
	if req.Key != c.Param("key") {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "key mismatch between path and body"))
		return
	}
	item, err := h.service.Update(c.Request.Context(), actorFromContext(c), req.Key, req.Value)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// BulkUpdate godoc
// @Summary Bulk update billing settings
// @Tags Settings
// @Accept json
// @Produce json
// @Param payload body service.BulkUpdateSettingsRequest true "Bulk settings payload"
// @Success 200 {object} response.Envelope
// @Router /settings/billing [put]
func (h *SettingsHandler) BulkUpdate(c *gin.Context) {
	var req service.BulkUpdateSettingsRequest
	if !bindJSON(c, &req, "invalid bulk payload") {
		return
	}
	items, err := h.service.BulkUpdate(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}
