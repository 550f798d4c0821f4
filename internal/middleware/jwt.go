package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
	"github.com/noah-isme/tuition-billing-api/pkg/response"
)

// ContextActorKey is the gin context key storing the authenticated models.Actor.
const ContextActorKey = "currentActor"

// Authenticator turns a bearer token into an Actor.
type Authenticator interface {
	Authenticate(token string) (models.Actor, error)
}

// JWT protects routes by requiring a valid access token.
func JWT(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		actor, err := auth.Authenticate(strings.TrimSpace(parts[1]))
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextActorKey, actor)
		c.Next()
	}
}

// ActorFrom returns the actor stored by JWT, or the zero Actor.
func ActorFrom(c *gin.Context) models.Actor {
	value, exists := c.Get(ContextActorKey)
	if !exists {
		return models.Actor{}
	}
	actor, _ := value.(models.Actor)
	return actor
}
