package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/metrics"
)

// RequestLog пишет method, path, статус и длительность каждого запроса к панели управления.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapWriter(w)
		next.ServeHTTP(sw, r)
		metrics.ControlRequests.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
		if sw.status >= http.StatusInternalServerError {
			logger.Warnf("http %s %s -> %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start))
			return
		}
		logger.Debugf("http %s %s -> %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start))
	})
}
