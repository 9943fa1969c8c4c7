package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/auth"
)

func newRouter(t *testing.T, perMinute int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rl, err := NewRateLimiter(perMinute, nil, "/healthz")
	require.NoError(t, err)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if sub := c.GetHeader("X-Test-Sub"); sub != "" {
			c.Set("claims", auth.Claims{Subject: sub, Role: auth.RoleDriver})
		}
		c.Next()
	})
	r.Use(rl.GinMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func do(r http.Handler, path, sub string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if sub != "" {
		req.Header.Set("X-Test-Sub", sub)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitDeniesOverLimit(t *testing.T) {
	r := newRouter(t, 2)
	assert.Equal(t, http.StatusNoContent, do(r, "/ping", "").Code)
	w := do(r, "/ping", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = do(r, "/ping", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimitKeysBySubject(t *testing.T) {
	r := newRouter(t, 1)
	assert.Equal(t, http.StatusNoContent, do(r, "/ping", "a").Code)
	assert.Equal(t, http.StatusNoContent, do(r, "/ping", "b").Code, "same IP, different subject")
	assert.Equal(t, http.StatusTooManyRequests, do(r, "/ping", "a").Code)
}

func TestRateLimitSkipsPaths(t *testing.T) {
	r := newRouter(t, 1)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(r, "/healthz", "").Code)
	}
}
