package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-api/internal/models"
	"github.com/noah-isme/storefront-api/pkg/logger"
)

type stubAuthenticator struct {
	valid map[string]*models.TokenClaims
	seen  []string
}

func (s *stubAuthenticator) Authenticate(ctx context.Context, value string) (*models.TokenClaims, bool) {
	s.seen = append(s.seen, value)
	claims, ok := s.valid[value]
	return claims, ok
}

func newJWTRouter(auth accessTokenAuthenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWT(auth), func(c *gin.Context) {
		claims := c.MustGet(ContextUserKey).(*models.TokenClaims)
		c.JSON(http.StatusOK, gin.H{"user_id": claims.UserID, "subject": c.GetString(logger.SubjectKey)})
	})
	return r
}

func TestJWTAdmitsValidAccessToken(t *testing.T) {
	auth := &stubAuthenticator{valid: map[string]*models.TokenClaims{
		"good": {UserID: "u1", Email: "alice@example.com", Kind: models.TokenKindAccess},
	}}
	router := newJWTRouter(auth)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "bearer good")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u1", body["user_id"])
	assert.Equal(t, "alice@example.com", body["subject"])
}

func TestJWTRejections(t *testing.T) {
	auth := &stubAuthenticator{valid: map[string]*models.TokenClaims{}}
	router := newJWTRouter(auth)

	for _, header := range []string{"", "Basic abc", "Bearer", "Bearer   ", "Bearer revoked"} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	}
	assert.Equal(t, []string{"revoked"}, auth.seen)
}
