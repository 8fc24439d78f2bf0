package middleware

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"

	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/metrics"
)

// statusWriter запоминает код ответа и факт записи.
// Реализует http.Hijacker, иначе /ws не сможет сделать upgrade.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func wrapWriter(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.wrote = true
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// RecoverJSON перехватывает панику в handler: лог, метрика и JSON 500, если ответ ещё не начат.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := wrapWriter(w)
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}
			metrics.ControlPanics.Inc()
			logger.Errorf("control: panic %s %s: %v", r.Method, r.URL.Path, err)
			if sw.wrote {
				return
			}
			sw.Header().Set("Content-Type", "application/json; charset=utf-8")
			sw.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(sw).Encode(map[string]string{"error": "internal server error"})
		}()
		next.ServeHTTP(sw, r)
	})
}
