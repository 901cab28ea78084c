package httpapi

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentries/saltwire/internal/apperrors"
	"github.com/agentries/saltwire/internal/logging"
	"github.com/agentries/saltwire/internal/ratelimit"
)

const (
	principalContextKey = "principal"
	requestIDContextKey = "req_id"
)

// middlewareRequestID stamps every request with a request id, returned to
// the caller in the X-Request-Id header and folded into every log line for
// that request. An inbound X-Request-Id is reused; otherwise one is minted.
func (s *Service) middlewareRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDContextKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// middlewareLogger logs one structured line per request after it completes.
func (s *Service) middlewareLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logging.RequestFields(requestID(c), c.Request.Method, c.Request.URL.Path, c.Writer.Status())
		fields = append(fields, zap.Duration("duration", time.Since(start)))
		s.log.Info("httpapi: request", fields...)
	}
}

// middlewareCrash recovers from a panic in a handler and renders it as an
// opaque internal error instead of tearing down the server.
func (s *Service) middlewareCrash() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("httpapi: panic recovered",
					zap.String("req_id", requestID(c)),
					zap.Any("panic", r),
				)
				render(c, nil, apperrors.Internal(fmt.Errorf("panic: %v", r)))
				c.Abort()
			}
		}()
		c.Next()
	}
}

// applyRateLimit enforces the fixed-window limit for (endpointKey,
// principal). On rejection it renders 429 with Retry-After and returns
// false so the caller stops processing the request.
func (s *Service) applyRateLimit(c *gin.Context, limiter *ratelimit.Limiter, endpointKey, principal string) bool {
	limit := s.cfg.RateLimitFor(endpointKey)
	result := limiter.Allow(endpointKey, principal, limit)

	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

	if !result.Allowed {
		c.Header("Retry-After", strconv.Itoa(result.RetryAfter))
		render(c, nil, apperrors.RateLimited(result.RetryAfter))
		c.Abort()
		return false
	}
	return true
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDContextKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// currentPrincipal reads the Principal stamped on the context by
// regRateLimited. It panics if called from a route that bypasses
// regEndpoint/regRateLimited, which would be a wiring bug.
func currentPrincipal(c *gin.Context) Principal {
	v, ok := c.Get(principalContextKey)
	if !ok {
		panic("httpapi: no principal on context; route not wired through regEndpoint")
	}
	return v.(Principal)
}
