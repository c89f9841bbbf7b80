package auth

import (
	"errors"
	"net/http"
	"strings"

	"memochat/internal/storage"

	"github.com/gin-gonic/gin"
)

const (
	identityContextKey  = "auth_identity"
	authTokenContextKey = "auth_token"
)

// Middleware validates bearer tokens and stores the authenticated identity in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		identity, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, storage.ErrUnavailable) {
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Set(identityContextKey, identity)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// IdentityFromContext retrieves the authenticated identity from the gin context.
func IdentityFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(identityContextKey)
	if !ok {
		return "", false
	}
	identity, ok := val.(string)
	return identity, ok && identity != ""
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
