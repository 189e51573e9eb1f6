package http

import (
	"net/http"
	"strconv"
	"time"

	"chainvault/internal/domain"

	"github.com/gin-gonic/gin"
)

func (s *Server) limit(scope domain.RateLimitScope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.enforceRateLimit(c, scope) {
			c.Abort()
			return
		}
		c.Next()
	}
}

// rateLimitKey charges chain-submitting requests to the vault in the path and
// everything else to the client.
func rateLimitKey(c *gin.Context, scope domain.RateLimitScope) domain.RateLimitKey {
	key := domain.RateLimitKey{Scope: scope, Client: c.ClientIP()}
	if scope != domain.ScopeVaultRead {
		key.VaultID = c.Param("vault_id")
	}
	return key
}

func (s *Server) enforceRateLimit(c *gin.Context, scope domain.RateLimitScope) bool {
	rule := s.rateLimitRules[scope]
	if s.rateLimiter == nil || rule.Limit <= 0 {
		return true
	}
	key := rateLimitKey(c, scope)
	decision, err := s.rateLimiter.Allow(c.Request.Context(), key, rule)
	if err != nil {
		if s.rateLimitFailClosed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			return false
		}
		s.logger.WithError(err).WithField("rate_limit_key", key.String()).Warn("rate limiter unavailable, allowing request")
		return true
	}
	writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded for "+key.Subject())
		return false
	}
	return true
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}
