package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

func TestControlOnly(t *testing.T) {
	h := ControlOnly("s3cret")(okHandler)
	tests := []struct {
		name   string
		remote string
		secret string
		want   int
	}{
		{"loopback v4", "127.0.0.1:5000", "", http.StatusOK},
		{"loopback v6", "[::1]:5000", "", http.StatusOK},
		{"remote without secret", "10.0.0.2:5000", "", http.StatusForbidden},
		{"remote wrong secret", "10.0.0.2:5000", "nope", http.StatusForbidden},
		{"remote with secret", "10.0.0.2:5000", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			req.RemoteAddr = tt.remote
			if tt.secret != "" {
				req.Header.Set("X-Control-Secret", tt.secret)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestControlOnlyEmptySecretIgnoresHeader(t *testing.T) {
	h := ControlOnly("")(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1"
	req.Header.Set("X-Control-Secret", "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content-type = %q", ct)
	}
}

func TestRateLimit(t *testing.T) {
	h := rateLimitWith(rate.NewLimiter(0, 2))(okHandler)
	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/messages", nil))
		codes[i] = rec.Code
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestRecoverJSONAfterWrite(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("partial"))
		panic("late")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "partial" {
		t.Fatalf("started response must not be rewritten: %d %q", rec.Code, rec.Body)
	}
}

func TestRequestLogSharesWriter(t *testing.T) {
	var seen *statusWriter
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		seen, _ = w.(*statusWriter)
		w.WriteHeader(http.StatusTeapot)
	})
	h := RecoverJSON(RequestLog(inner))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen == nil || seen.status != http.StatusTeapot {
		t.Fatalf("writer = %+v", seen)
	}
}
