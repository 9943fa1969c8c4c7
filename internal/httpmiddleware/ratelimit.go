package httpmiddleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"campusride/internal/auth"
	"campusride/internal/metrics"
)

// RateLimiter limits requests per authenticated subject, falling back to client IP.
type RateLimiter struct {
	lim       *limiter.Limiter
	skipPaths []string
}

// NewRateLimiter builds a limiter allowing perMinute requests a minute. A nil store
// keeps counters in process.
func NewRateLimiter(perMinute int, store limiter.Store, skipPaths ...string) (*RateLimiter, error) {
	if perMinute <= 0 {
		perMinute = 120
	}
	rate, err := limiter.NewRateFromFormatted(fmt.Sprintf("%d-M", perMinute))
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = memory.NewStore()
	}
	return &RateLimiter{lim: limiter.New(store, rate), skipPaths: skipPaths}, nil
}

// NewRedisStore shares limiter counters across API processes.
func NewRedisStore(client *redis.Client) (limiter.Store, error) {
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   "campusride:limiter",
		MaxRetry: 3,
	})
}

// GinMiddleware returns gin handler enforcing the limit.
func (l *RateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, p := range l.skipPaths {
			if strings.HasPrefix(path, p) {
				c.Next()
				return
			}
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		res, err := l.lim.Get(c, key(c))
		if err != nil {
			// Fail open on store errors.
			logrus.Warnf("rate limiter: %v", err)
			metrics.RateLimit.WithLabelValues(route, "error").Inc()
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		if res.Reached {
			retry := int(time.Until(time.Unix(res.Reset, 0)).Seconds())
			if retry < 0 {
				retry = 0
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			metrics.RateLimit.WithLabelValues(route, "deny").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		metrics.RateLimit.WithLabelValues(route, "allow").Inc()
		c.Next()
	}
}

func key(c *gin.Context) string {
	if claims, ok := auth.FromContext(c); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}
