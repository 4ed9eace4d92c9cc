package middleware

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// IPLimiter keeps one token bucket per client address. Idle buckets expire
// from the registry so memory follows the active address set.
type IPLimiter struct {
	rps   rate.Limit
	burst int
	seen  *cache.Cache
}

func NewIPLimiter(rps float64, burst int, idle time.Duration) *IPLimiter {
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &IPLimiter{rps: rate.Limit(rps), burst: burst, seen: cache.New(idle, idle)}
}

func (l *IPLimiter) limiter(ip string) *rate.Limiter {
	if v, ok := l.seen.Get(ip); ok {
		lim := v.(*rate.Limiter)
		l.seen.SetDefault(ip, lim)
		return lim
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	if err := l.seen.Add(ip, lim, cache.DefaultExpiration); err != nil {
		// lost the race to a concurrent request from the same address
		if v, ok := l.seen.Get(ip); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

func (l *IPLimiter) Allow(ip string) bool {
	if l.rps <= 0 {
		return true
	}
	return l.limiter(ip).Allow()
}

// Middleware rejects requests beyond the per-address rate.
func (l *IPLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.Allow(c.RealIP()) {
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate_limited", "message": "too many requests"})
			}
			return next(c)
		}
	}
}
