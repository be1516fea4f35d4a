package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/storefront-api/internal/models"
	appErrors "github.com/noah-isme/storefront-api/pkg/errors"
	"github.com/noah-isme/storefront-api/pkg/logger"
	"github.com/noah-isme/storefront-api/pkg/response"
)

// ContextUserKey is the gin context key storing the verified token claims.
const ContextUserKey = "currentUser"

type accessTokenAuthenticator interface {
	Authenticate(ctx context.Context, value string) (*models.TokenClaims, bool)
}

// JWT protects routes by requiring a live access token: signed by us,
// present in the token store, neither revoked nor expired.
func JWT(auth accessTokenAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "missing or malformed authorization header"))
			c.Abort()
			return
		}

		claims, valid := auth.Authenticate(c.Request.Context(), token)
		if !valid {
			response.Error(c, appErrors.Clone(appErrors.ErrInvalidToken, ""))
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Set(logger.SubjectKey, claims.Email)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
