package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/identity"
	"messaging-service/internal/models"
)

// Context keys set by AuthMiddleware.
const (
	UserIDKey      = "userID"
	UserRoleKey    = "userRole"
	DisplayNameKey = "displayName"
)

var errMissingToken = errors.New("missing authorization")

// AuthMiddleware validates the bearer token and stores the caller's identity on the context.
func AuthMiddleware(validator identity.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := BearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		id, err := validator.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, id.UserID)
		c.Set(UserRoleKey, string(id.Role))
		c.Set(DisplayNameKey, id.DisplayName)
		c.Next()
	}
}

// BearerToken reads the token from the Authorization header, falling back to
// the token query parameter used by websocket clients.
func BearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", errMissingToken
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header")
	}
	return parts[1], nil
}

// Identity rebuilds the identity stored by AuthMiddleware.
func Identity(c *gin.Context) (identity.Identity, bool) {
	userID := c.GetString(UserIDKey)
	if userID == "" {
		return identity.Identity{}, false
	}
	return identity.Identity{
		UserID:      userID,
		Role:        models.Role(c.GetString(UserRoleKey)),
		DisplayName: c.GetString(DisplayNameKey),
	}, true
}
