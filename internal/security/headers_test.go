package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(h gin.HandlerFunc, method, path, origin string) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(h)
	router.GET("/*path", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "/v1/escrows/1", "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = serve(HeadersMiddleware(), http.MethodGet, "/health", "")
	assert.Empty(t, w.Header().Get("Cache-Control"))
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		expectHeader   bool
	}{
		{name: "allowed origin", allowedOrigins: []string{"https://market.example"}, requestOrigin: "https://market.example", expectHeader: true},
		{name: "wildcard allows all", allowedOrigins: []string{"*"}, requestOrigin: "https://anything.example", expectHeader: true},
		{name: "disallowed origin", allowedOrigins: []string{"https://market.example"}, requestOrigin: "https://evil.example", expectHeader: false},
		{name: "empty list disables", allowedOrigins: nil, requestOrigin: "https://market.example", expectHeader: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tc.allowedOrigins), http.MethodGet, "/v1/escrows/1", tc.requestOrigin)
			hasHeader := w.Header().Get("Access-Control-Allow-Origin") != ""
			assert.Equal(t, tc.expectHeader, hasHeader)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "/v1/escrows/1", "https://market.example")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}
