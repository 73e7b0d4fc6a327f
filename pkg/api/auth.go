package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// claimsKey is the gin context key holding the verified token claims.
const claimsKey = "sandboxClaims"

// bearerToken extracts the credential from an Authorization header. Returns
// "" when the header is absent or not a bearer scheme.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// requireSandboxToken authenticates the request against the sandbox named
// in the route. A token scoped to a different sandbox is rejected the same
// way as a bad signature so containers cannot probe each other's queues.
func (s *Server) requireSandboxToken(c *gin.Context) {
	raw := bearerToken(c.GetHeader("Authorization"))
	if raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	claims, err := s.issuer.VerifyFor(raw, c.Param("id"))
	if err != nil {
		s.logger.Warn("rejected sandbox token", "sandbox_id", c.Param("id"), "error", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(claimsKey, claims)
	c.Next()
}
