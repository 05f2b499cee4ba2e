package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/pkg/jwt"
)

const (
	// UserContextKey is the gin context key holding the authenticated user
	UserContextKey = "user_context"

	// SessionHeader carries the anonymous booking session id
	SessionHeader = "X-Session-ID"
)

// UserContext is the authenticated caller extracted from the access token
type UserContext struct {
	UserID uuid.UUID
	Email  string
	Roles  []string
}

// HasRole reports whether the user carries the role
func (u UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthMiddleware validates the bearer token and stores the user in the context
func AuthMiddleware(jwtService *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authorization header is required",
				"code":    "MISSING_AUTH_HEADER",
			})
			return
		}

		userCtx, code, message := authenticate(jwtService, authHeader)
		if code != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": message,
				"code":    code,
			})
			return
		}

		c.Set(UserContextKey, userCtx)
		c.Next()
	}
}

// OptionalAuthMiddleware stores the user when a valid token is present and
// lets anonymous requests through untouched
func OptionalAuthMiddleware(jwtService *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			if userCtx, code, _ := authenticate(jwtService, authHeader); code == "" {
				c.Set(UserContextKey, userCtx)
			}
		}
		c.Next()
	}
}

func authenticate(jwtService *jwt.Service, authHeader string) (UserContext, string, string) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return UserContext{}, "INVALID_AUTH_FORMAT", "Authorization header must be 'Bearer <token>'"
	}

	claims, err := jwtService.ValidateAccessToken(strings.TrimSpace(parts[1]))
	if err != nil {
		if jwt.IsExpired(err) {
			return UserContext{}, "TOKEN_EXPIRED", "Access token has expired"
		}
		return UserContext{}, "INVALID_TOKEN", "Invalid access token"
	}

	return UserContext{
		UserID: claims.UserID,
		Email:  claims.Email,
		Roles:  claims.Roles,
	}, "", ""
}

// RequireRole allows the request when the user has any of the roles.
// Must be used after AuthMiddleware.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userCtx, exists := GetUserContext(c)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "User context not found",
				"code":    "MISSING_USER_CONTEXT",
			})
			return
		}

		for _, role := range roles {
			if userCtx.HasRole(role) {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You do not have permission to access this resource",
			"code":    "INSUFFICIENT_PERMISSIONS",
		})
	}
}

// GetUserContext returns the authenticated user, if any
func GetUserContext(c *gin.Context) (UserContext, bool) {
	value, exists := c.Get(UserContextKey)
	if !exists {
		return UserContext{}, false
	}
	userCtx, ok := value.(UserContext)
	if !ok {
		return UserContext{}, false
	}
	return userCtx, true
}

// MustGetUserContext returns the authenticated user or panics
func MustGetUserContext(c *gin.Context) UserContext {
	userCtx, exists := GetUserContext(c)
	if !exists {
		panic("user context not found: AuthMiddleware not applied")
	}
	return userCtx
}

// HolderToken identifies whoever is holding seats: the booking session
// header, or the authenticated user when no session is sent
func HolderToken(c *gin.Context) string {
	if session := strings.TrimSpace(c.GetHeader(SessionHeader)); session != "" {
		return session
	}
	if userCtx, ok := GetUserContext(c); ok {
		return "user:" + userCtx.UserID.String()
	}
	return ""
}
