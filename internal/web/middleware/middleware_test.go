package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/sheetvc/internal/config"
	"github.com/JonMunkholm/sheetvc/internal/metrics"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestAPIKeyAuth(t *testing.T) {
	cfg := &config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"k1", "k2"}}

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"invalid", map[string]string{"X-API-Key": "nope"}, http.StatusForbidden},
		{"header key", map[string]string{"X-API-Key": "k2"}, http.StatusNoContent},
		{"bearer", map[string]string{"Authorization": "Bearer k1"}, http.StatusNoContent},
		{"other scheme", map[string]string{"Authorization": "Basic k1"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			APIKeyAuth(cfg)(okHandler).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want >= 400 {
				assert.Contains(t, rec.Body.String(), `"code":"AUTH_`)
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	rec := httptest.NewRecorder()
	APIKeyAuth(&config.SecurityConfig{})(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPIKeyAuth_NoKeysConfigured(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "anything")
	rec := httptest.NewRecorder()
	APIKeyAuth(&config.SecurityConfig{RequireAPIKey: true})(okHandler).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTrustedRealIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		remote  string
		headers map[string]string
		want    string
	}{
		{"untrusted ignores headers", []string{"10.0.0.0/8"}, "1.2.3.4:555", map[string]string{"X-Real-IP": "9.9.9.9"}, "1.2.3.4:555"},
		{"trusted real ip", []string{"10.0.0.0/8"}, "10.1.1.1:555", map[string]string{"X-Real-IP": "9.9.9.9"}, "9.9.9.9"},
		{"trusted forwarded for", []string{"10.0.0.1"}, "10.0.0.1:555", map[string]string{"X-Forwarded-For": "8.8.8.8, 10.0.0.1"}, "8.8.8.8"},
		{"invalid header kept", []string{"10.0.0.0/8"}, "10.1.1.1:555", map[string]string{"X-Real-IP": "garbage"}, "10.1.1.1:555"},
		{"no trusted proxies", nil, "10.1.1.1:555", map[string]string{"X-Real-IP": "9.9.9.9"}, "10.1.1.1:555"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := TrustedRealIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.RemoteAddr
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTrustedNets_SkipsInvalid(t *testing.T) {
	nets := parseTrustedNets([]string{"", "bogus", "192.168.0.0/16", "::1"})
	require.Len(t, nets, 2)
	assert.True(t, isTrusted(extractIP("192.168.4.4:1"), nets))
	assert.True(t, isTrusted(extractIP("[::1]:80"), nets))
	assert.False(t, isTrusted(nil, nets))
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Use(Logger)
	r.Get("/api/versions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/versions/"+id, nil))
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/versions/{id}", "404")))
}

func TestResponseWriter_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := wrap(rec)
	ww.WriteHeader(http.StatusCreated)
	ww.WriteHeader(http.StatusInternalServerError)
	_, err := ww.Write([]byte("x"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, ww.status)
	assert.Equal(t, http.StatusCreated, rec.Code)
}
