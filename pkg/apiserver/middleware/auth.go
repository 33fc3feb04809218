package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gpulease/gpulease/pkg/auth"
)

const AccountIDKey = "account_id"

type TokenValidator interface {
	ValidateAccountToken(token string) (*auth.AccountClaims, error)
}

// Auth resolves the bearer token to an account id and stores it under
// AccountIDKey.
func Auth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := c.GetHeader("Authorization")
		if authorization == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		parts := strings.SplitN(authorization, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization"})
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}
		claims, err := validator.ValidateAccountToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(AccountIDKey, claims.AccountID())
		c.Next()
	}
}

func AccountID(c *gin.Context) string {
	return c.GetString(AccountIDKey)
}
