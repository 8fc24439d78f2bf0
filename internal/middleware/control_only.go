package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// ControlOnly пускает к управляющему API только loopback-клиентов
// либо запросы с заголовком X-Control-Secret, совпадающим с CONTROL_SECRET.
// Заголовки X-Real-Ip/X-Forwarded-For не учитываются: прокси перед демоном не предполагается.
func ControlOnly(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				got := r.Header.Get("X-Control-Secret")
				if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			if isLoopback(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
