package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/pagefetch/api/handler"
	"github.com/use-agent/pagefetch/api/middleware"
	"github.com/use-agent/pagefetch/cache"
	"github.com/use-agent/pagefetch/config"
	"github.com/use-agent/pagefetch/metrics"
)

// Services are the components the routes are served from.
type Services struct {
	Fetcher     handler.Fetcher
	Pool        handler.PoolReporter
	Archive     handler.BreakerReporter // nil when the archive step is disabled
	Cache       *cache.Cache // nil disables the result cache
	Batches     *handler.Batches
	Notifier    handler.Notifier // nil disables batch webhooks
	RateLimiter *middleware.RateLimiter
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → RequestLog → Metrics
//	API:     Auth (if enabled) → RateLimit
//
// Health and /metrics sit outside auth so monitoring probes always work.
func NewRouter(cfg *config.Config, svc Services, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLog())
	r.Use(metrics.Middleware())

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")

	// Health: no auth required.
	v1.GET("/health", handler.Health(svc.Pool, svc.Archive, startTime))

	// Protected group: auth + rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	if svc.RateLimiter != nil {
		protected.Use(svc.RateLimiter.Handler())
	}

	defaultTimeoutMs := int(cfg.Transport.DefaultTimeout.Milliseconds())

	protected.POST("/fetch", handler.Fetch(svc.Fetcher, svc.Cache, defaultTimeoutMs))

	// Batch
	protected.POST("/batch/fetch", handler.PostBatch(svc.Fetcher, svc.Batches, svc.Notifier, cfg.Batch.Concurrency, defaultTimeoutMs))
	protected.GET("/batch/:id", handler.GetBatch(svc.Batches))

	return r
}
