package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opensai/secop-search/internal/metrics"
	"github.com/opensai/secop-search/internal/models"
	"github.com/opensai/secop-search/internal/socrata"
	"github.com/opensai/secop-search/internal/throttle"
	"github.com/opensai/secop-search/pkg/utils"
)

// ThrottleMessage is the user-facing text for an admission denial.
const ThrottleMessage = "Se alcanzó temporalmente el límite de consultas. " +
	"Por favor intente nuevamente en unos segundos."

// RateLimit guards the search entry point with the dual-bucket admission
// controller. Denials answer 429 with a Retry-After derived from the refill
// rate; nothing is dropped silently.
func RateLimit(limiter *throttle.Limiter, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.ClientIP()

		decision := limiter.Allow(identity)
		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds())
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			metrics.RecordThrottleBlocked(decision.Scope)

			logger.WithFields(logrus.Fields{
				"scope":       decision.Scope,
				"ip":          identity,
				"retry_after": retryAfter,
				"path":        c.Request.URL.Path,
			}).Warn("Search request throttled")

			c.JSON(http.StatusTooManyRequests, utils.APIResponse{
				Message: ThrottleMessage,
				Data: models.SearchResponse{
					Status:  models.StatusThrottled,
					Message: ThrottleMessage,
					Rows:    []socrata.Row{},
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
