package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tuition-billing-api/internal/middleware"
	"github.com/noah-isme/tuition-billing-api/internal/models"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
	"github.com/noah-isme/tuition-billing-api/pkg/response"
)

func actorFromContext(c *gin.Context) models.Actor {
	return middleware.ActorFrom(c)
}

// bindJSON decodes the body into dest and writes a validation error on failure.
func bindJSON(c *gin.Context, dest interface{}, msg string) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, msg))
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil {
		return v
	}
	return fallback
}

// paymentIDRequest carries a gateway payment id in JSON bodies.
type paymentIDRequest struct {
	PaymentID string `json:"payment_id" binding:"required"`
}
