package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"calibration-backend/internal/mw"
)

// RouterOptions holds the middleware settings of NewRouter.
type RouterOptions struct {
	RateLimitPerSec float64
	RateLimitBurst  int
	CacheTTL        time.Duration
	Logger          *slog.Logger
}

// NewRouter creates and configures a new Gin router.
func NewRouter(handler *Handler, opts RouterOptions) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}

	r := gin.New()
	r.Use(gin.Recovery(), mw.RequestLogger(opts.Logger), mw.Metrics())

	// Only mutating routes are limited; viewers re-fetch after every event.
	perSec := rate.Limit(opts.RateLimitPerSec)
	if opts.RateLimitPerSec <= 0 {
		perSec = rate.Inf
	}
	limit := mw.RateLimiter(perSec, opts.RateLimitBurst)

	// The registry never changes at runtime, so its response is cacheable.
	cacheStore := cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	caching := mw.Cache(cacheStore, opts.CacheTTL)

	r.GET("/healthz", handler.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/uploads/*key", handler.GetUpload)

	api := r.Group("/api")
	{
		api.GET("/machines", caching, handler.GetMachines)
		api.GET("/summary", handler.GetSummary)
		api.GET("/events", handler.StreamEvents)

		api.GET("/records", handler.ListRecords)
		api.GET("/records/:id", handler.GetRecord)
		api.POST("/records", limit, handler.CreateRecord)
		api.DELETE("/records", limit, handler.DeleteRecords)
		api.DELETE("/records/:id", limit, handler.DeleteRecord)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", limit, handler.PutSubscription)
		api.DELETE("/subscriptions", limit, handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
