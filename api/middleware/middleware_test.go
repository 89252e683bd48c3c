package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/use-agent/pagefetch/config"
	"github.com/use-agent/pagefetch/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	r := gin.New()
	r.Use(Auth([]string{"k1", "k2"}))
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(IdentityKey)) })

	tests := []struct {
		name   string
		header http.Header
		code   int
	}{
		{"missing", http.Header{}, http.StatusUnauthorized},
		{"wrong", http.Header{"X-Api-Key": {"nope"}}, http.StatusUnauthorized},
		{"x-api-key", http.Header{"X-Api-Key": {"k1"}}, http.StatusOK},
		{"bearer", http.Header{"Authorization": {"Bearer k2"}}, http.StatusOK},
		{"basic is ignored", http.Header{"Authorization": {"Basic k2"}}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, tt.header)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), models.ErrCodeUnauthorized)
			}
		})
	}

	assert.Equal(t, "k2", serve(r, http.Header{"Authorization": {"Bearer k2"}}).Body.String())
}

func TestAuthWithoutKeysIsOpen(t *testing.T) {
	r := gin.New()
	r.Use(Auth([]string{""}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, http.Header{}).Code)
}

func TestRateLimitPerIdentity(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2})
	defer rl.Stop()

	r := gin.New()
	r.Use(Auth([]string{"a", "b"}))
	r.Use(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	keyA := http.Header{"X-Api-Key": {"a"}}
	assert.Equal(t, http.StatusOK, serve(r, keyA).Code)
	assert.Equal(t, http.StatusOK, serve(r, keyA).Code)

	w := serve(r, keyA)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), models.ErrCodeRateLimited)

	assert.Equal(t, http.StatusOK, serve(r, http.Header{"X-Api-Key": {"b"}}).Code, "buckets are per key")
}

func TestRateLimitEvictsIdle(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	defer rl.Stop()

	now := time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.get("old")
	now = now.Add(50 * time.Minute)
	rl.get("recent")
	now = now.Add(20 * time.Minute)

	rl.evictIdle()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.limiters, "old")
	assert.Contains(t, rl.limiters, "recent")
}
