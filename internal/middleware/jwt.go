package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-broadcast/backend/internal/auth"
	"github.com/aura-broadcast/backend/pkg/response"
)

const (
	// ContextSubjectID is the key for the token subject in gin context.
	ContextSubjectID = "subject_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
)

// JWT returns a middleware that validates JWT and sets subject claims in context.
// Browsers cannot set headers on a WebSocket upgrade, so a token query
// parameter is accepted when the Authorization header is absent.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(raw)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextSubjectID, claims.Subject)
		c.Set(ContextUserRole, claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if q := c.Query("token"); q != "" {
			return q, true
		}
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// SubjectID returns the authenticated subject, or "" outside JWT-protected routes.
func SubjectID(c *gin.Context) string {
	return c.GetString(ContextSubjectID)
}

// Role returns the authenticated role, or "".
func Role(c *gin.Context) string {
	return c.GetString(ContextUserRole)
}
