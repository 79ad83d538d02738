package mw

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"calibration-backend/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.1:1234"
	r.ServeHTTP(w, req)
	return w
}

func TestCache_HitAfterMiss(t *testing.T) {
	store := cache.New(time.Minute, time.Minute)
	calls := 0
	r := gin.New()
	r.Use(Cache(store, time.Minute))
	r.GET("/api/machines", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"LX4": 60})
	})

	first := serve(r, http.MethodGet, "/api/machines")
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := serve(r, http.MethodGet, "/api/machines")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", second.Header().Get("Content-Type"))
	assert.Equal(t, 1, calls)
}

func TestCache_SkipsErrors(t *testing.T) {
	store := cache.New(time.Minute, time.Minute)
	r := gin.New()
	r.Use(Cache(store, time.Minute))
	r.GET("/boom", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "x"})
	})

	serve(r, http.MethodGet, "/boom")
	assert.Equal(t, 0, store.ItemCount())
}

func TestRateLimiter(t *testing.T) {
	r := gin.New()
	r.Use(RateLimiter(1, 2))
	r.POST("/api/records", func(c *gin.Context) { c.Status(http.StatusCreated) })

	assert.Equal(t, http.StatusCreated, serve(r, http.MethodPost, "/api/records").Code)
	assert.Equal(t, http.StatusCreated, serve(r, http.MethodPost, "/api/records").Code)
	w := serve(r, http.MethodPost, "/api/records")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"Too many requests"}`, w.Body.String())
}

func TestIPRateLimiter_SameLimiterPerIP(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	assert.Same(t, l.GetLimiter("a"), l.GetLimiter("a"))
	assert.NotSame(t, l.GetLimiter("a"), l.GetLimiter("b"))
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	serve(r, http.MethodGet, "/missing")
	out := buf.String()
	assert.True(t, strings.Contains(out, "level=WARN"), out)
	assert.True(t, strings.Contains(out, "status=404"), out)
	assert.True(t, strings.Contains(out, "path=/missing"), out)
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())
	r.GET("/api/records/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	counter := metrics.HTTPRequests.WithLabelValues(http.MethodGet, "/api/records/:id", "200")
	before := testutil.ToFloat64(counter)
	serve(r, http.MethodGet, "/api/records/17")
	serve(r, http.MethodGet, "/api/records/18")
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}
