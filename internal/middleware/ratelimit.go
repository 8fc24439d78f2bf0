package middleware

import (
	"net/http"

	"github.com/creatorchat/internal/logger"
	"golang.org/x/time/rate"
)

const (
	controlRateRPS   = 50
	controlRateBurst = 100
)

// RateLimit ограничивает управляющий API одним общим token bucket: клиент у демона один (UI),
// лимит защищает бэкенд от зациклившегося интерфейса. 429 при превышении.
func RateLimit(next http.Handler) http.Handler {
	return rateLimitWith(rate.NewLimiter(controlRateRPS, controlRateBurst))(next)
}

func rateLimitWith(lim *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				logger.Warnf("control rate limit exceeded: %s %s", r.Method, r.URL.Path)
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
