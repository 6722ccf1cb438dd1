package api

import (
	"net/http"
	"strings"

	"farm-marketplace/internal/models"
	"farm-marketplace/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

const identityKey = "identity"

// TokenVerifier turns a bearer token into the identity it was issued for
type TokenVerifier interface {
	ParseToken(token, audience string) (models.Identity, error)
}

// AuthRequired rejects requests without a valid API bearer token. When roles
// are given the caller must hold one of them.
func AuthRequired(verifier TokenVerifier, roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		parts := strings.Split(raw, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		identity, err := verifier.ParseToken(parts[1], service.AudienceAPI)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		if len(roles) > 0 && !lo.Contains(roles, identity.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// identityFrom returns the identity AuthRequired stored on the context
func identityFrom(c *gin.Context) models.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return models.Identity{}
	}
	identity, _ := v.(models.Identity)
	return identity
}
