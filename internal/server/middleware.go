package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	obscontext "github.com/smallbiznis/netbill/internal/observability/context"
	"github.com/smallbiznis/netbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/netbill/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	contextSubjectKey = "auth_subject"

	rateLimitReasonPublicStatus = "public-status-rate"
)

// JWTRequired accepts HS256 bearer tokens signed with the configured secret.
// With no secret configured every request is rejected.
func (s *Server) JWTRequired() gin.HandlerFunc {
	secret := []byte(strings.TrimSpace(s.cfg.AuthJWTSecret))
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		if len(secret) == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			logger.FromContext(c.Request.Context()).Debug("jwt rejected", zap.Error(err))
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if sub, err := claims.GetSubject(); err == nil && sub != "" {
			c.Set(contextSubjectKey, sub)
			c.Request = c.Request.WithContext(obscontext.WithActorID(c.Request.Context(), sub))
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// PublicStatusRateLimit throttles the unauthenticated gateway status lookup
// per client address. Redis failures fail open.
func (s *Server) PublicStatusRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.statusLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		decision, err := s.statusLimiter.Allow(ctx, c.ClientIP())
		if err != nil {
			logger.FromContext(ctx).Warn("public status rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !decision.Allowed {
			denyRateLimit(c, normalizeRateLimitEndpoint(c), rateLimitReasonPublicStatus, retryAfterSeconds(decision.RetryAfter.Seconds()), s.obsMetrics)
			return
		}
		c.Next()
	}
}

func denyRateLimit(c *gin.Context, endpoint, reason string, retryAfter int, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, reason, metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func retryAfterSeconds(seconds float64) int {
	if seconds < 1 {
		return 1
	}
	return int(seconds + 0.999)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}

func subjectFromContext(c *gin.Context) string {
	return c.GetString(contextSubjectKey)
}
