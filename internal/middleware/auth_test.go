package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/identity"
	"messaging-service/internal/models"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(identity.NewTokenValidator("secret", nil)))
	r.GET("/me", func(c *gin.Context) {
		id, ok := Identity(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "role": id.Role, "name": id.DisplayName})
	})
	return r
}

func TestAuthMiddlewareSetsIdentity(t *testing.T) {
	token, err := identity.Issue("secret", identity.Identity{UserID: "rec-1", Role: models.RoleRecruiter, DisplayName: "Rae"}, time.Hour, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	newRouter(t).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"rec-1","role":"recruiter","name":"Rae"}`, w.Body.String())
}

func TestAuthMiddlewareAcceptsQueryToken(t *testing.T) {
	token, err := identity.Issue("secret", identity.Identity{UserID: "stu-1", Role: models.RoleStudent}, time.Hour, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me?token="+token, nil)
	w := httptest.NewRecorder()
	newRouter(t).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddlewareRejects(t *testing.T) {
	cases := map[string]string{
		"missing":   "",
		"malformed": "Token abc",
		"invalid":   "Bearer abc",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			newRouter(t).ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}
