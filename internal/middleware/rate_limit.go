package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/services"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/utils"
	"github.com/sirupsen/logrus"
)

// LockRateLimit throttles seat lock traffic per holder, or per client IP for
// anonymous callers. Limiter failures let the request through.
func LockRateLimit(limiter *services.RateLimitService, logger *logrus.Logger) gin.HandlerFunc {
	if limiter == nil || !limiter.Enabled() {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		identifier := HolderToken(c)
		if identifier == "" {
			identifier = "ip:" + utils.GetRealIP(c)
		}

		status, err := limiter.Allow(c.Request.Context(), identifier)
		var rlErr *services.RateLimitError
		switch {
		case errors.As(err, &rlErr):
			secs := int(math.Ceil(rlErr.RetryAfter.Seconds()))
			c.Header("X-RateLimit-Limit", strconv.Itoa(status.Limit))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too_many_requests",
				"message":     rlErr.Message,
				"retry_after": secs,
			})
			return
		case err != nil:
			logger.WithError(err).Warn("Rate limiter unavailable, allowing request")
		default:
			c.Header("X-RateLimit-Limit", strconv.Itoa(status.Limit))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(status.Remaining, 10))
		}
		c.Next()
	}
}
