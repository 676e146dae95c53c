package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vireohq/creditmeter/internal/plan"
)

// Middleware returns a Gin middleware that applies a per-client request
// ceiling per minute. This is the coarse outer guard; per-workspace
// admission with plan ceilings happens in the consumption engine.
func (l *Limiter) Middleware(requestsPerMinute int) gin.HandlerFunc {
	limits := plan.RateLimits{PerMinute: requestsPerMinute}

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()

		// Authenticated clients are limited by key, not by address,
		// so NAT'd users don't share a bucket.
		if apiKey := c.GetHeader("Authorization"); apiKey != "" {
			key = "auth:" + apiKey[:min(20, len(apiKey))]
		}

		decision := l.allowAt(key, limits, nowFunc())
		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limited",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
