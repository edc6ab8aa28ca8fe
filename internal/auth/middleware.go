// Package auth reads the caller identity that the upstream gateway
// attaches to each request. The gateway authenticates; this package only
// turns its headers into a domain.Actor and guards routes that need one.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/combinado/internal/domain"
)

const (
	HeaderUserID        = "X-User-ID"
	HeaderUserRoles     = "X-User-Roles"
	HeaderUserPhone     = "X-User-Phone"
	HeaderGatewaySecret = "X-Gateway-Secret"

	// ContextKeyActor is the key for storing the caller in gin context
	ContextKeyActor = "actor"
)

// Middleware extracts the actor from trusted headers. When secret is
// non-empty, headers are only trusted if the request carries the same
// gateway secret. Requests without identity pass through unauthenticated.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" {
			got := c.GetHeader(HeaderGatewaySecret)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				c.Next()
				return
			}
		}

		if userID := strings.TrimSpace(c.GetHeader(HeaderUserID)); userID != "" {
			c.Set(ContextKeyActor, domain.Actor{
				UserID: userID,
				Roles:  parseRoles(c.GetHeader(HeaderUserRoles)),
				Phone:  strings.TrimSpace(c.GetHeader(HeaderUserPhone)),
			})
		}

		c.Next()
	}
}

// RequireActor rejects requests without an identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ActorFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required.",
			})
			return
		}
		if !actor.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// ActorFrom returns the caller set by Middleware.
func ActorFrom(c *gin.Context) (domain.Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return domain.Actor{}, false
	}
	actor, ok := v.(domain.Actor)
	return actor, ok
}

func parseRoles(header string) []domain.Role {
	var roles []domain.Role
	for _, r := range strings.Split(header, ",") {
		switch role := domain.Role(strings.ToLower(strings.TrimSpace(r))); role {
		case domain.RoleClient, domain.RoleProvider, domain.RoleAdmin:
			roles = append(roles, role)
		}
	}
	return roles
}
