package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ephemeral/internal/auth"
	"github.com/ksred/klear-ephemeral/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit     = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	tradingLimit  = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	fastLimit     = rate.Limit(6000.0 / 60.0) // 6000 requests per minute
	internalLimit = rate.Inf
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 10
	case strings.HasPrefix(path, "/api/v1/fast"):
		return fastLimit, 50
	case strings.HasPrefix(path, "/api/v1/durable"):
		return tradingLimit, 10
	case strings.HasPrefix(path, "/api/v1/internal"):
		return internalLimit, 1
	}
	return rate.Inf, 1
}

func getLimiter(path, clientID string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientID + ":" + path
	v, exists := visitors[key]
	if !exists {
		limit, burst := limitFor(path)
		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := auth.Principal(c)
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator checks a bearer token and returns its claims
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// JWTAuth requires a valid bearer token and exposes its principal as
// "clientID" in the gin context
func JWTAuth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, v)
		if !ok {
			return
		}
		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

// InternalAuth is JWTAuth restricted to tokens carrying the internal
// permission, for matching and delegation routes
func InternalAuth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, v)
		if !ok {
			return
		}
		if !claims.HasPermission(auth.PermissionInternal) {
			response.Forbidden(c, "Internal permission required")
			c.Abort()
			return
		}
		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

func authenticate(c *gin.Context, v TokenValidator) (*auth.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	claims, err := v.ValidateToken(bearerToken[1])
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}
	if claims.ClientID == "" {
		response.Unauthorized(c, "Missing required claim: client_id")
		c.Abort()
		return nil, false
	}
	return claims, true
}

// RequestLogger logs one line per request through the global zerolog logger
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_id", auth.Principal(c)).
			Msg("request handled")
	}
}
