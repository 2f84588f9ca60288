package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valinor-ai/moderator/internal/platform/middleware"
)

const dashboard = "http://localhost:3000"

// serveCORS runs one request through CORS and reports whether the wrapped
// handler saw it.
func serveCORS(t *testing.T, method, path, origin string, reqHeaders map[string]string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	reached := false
	handler := middleware.CORS([]string{dashboard + "/", " "})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached = true
			w.WriteHeader(http.StatusTeapot)
		}),
	)

	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	for k, v := range reqHeaders {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, reached
}

func TestCORS_SettingsUpdatePreflight(t *testing.T) {
	rec, reached := serveCORS(t, http.MethodOptions, "/api/settings", dashboard, map[string]string{
		"Access-Control-Request-Method":  http.MethodPut,
		"Access-Control-Request-Headers": "authorization, content-type, x-request-id",
	})

	assert.False(t, reached)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, dashboard, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPut)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Request-ID")
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_AdmittedOriginRequest(t *testing.T) {
	rec, reached := serveCORS(t, http.MethodPost, "/api/moderate", dashboard, nil)

	assert.True(t, reached)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, dashboard, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "X-Request-ID", rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestCORS_UnadmittedRequestsPassThrough(t *testing.T) {
	tests := []struct {
		name   string
		method string
		origin string
	}{
		{"foreign origin GET", http.MethodGet, "http://evil.com"},
		{"foreign origin OPTIONS", http.MethodOptions, "http://evil.com"},
		{"no origin GET", http.MethodGet, ""},
		{"no origin OPTIONS", http.MethodOptions, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, reached := serveCORS(t, tt.method, "/api/moderate/stats", tt.origin, nil)

			assert.True(t, reached)
			assert.Equal(t, http.StatusTeapot, rec.Code)
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
			assert.Equal(t, "Origin", rec.Header().Get("Vary"))
		})
	}
}
