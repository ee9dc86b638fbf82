// Package httpapi wires the HTTP transport (Gin) to the orchestration
// layer: middleware for tracing, correlation IDs, logging, recovery,
// metrics, rate limiting, CORS, and security headers, then the versioned
// API routes. All dependencies are injected; the router owns no state.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/image-orchestrator/internal/config"
	"github.com/image-orchestrator/internal/correlate"
	"github.com/image-orchestrator/internal/dispatch"
	"github.com/image-orchestrator/internal/groups"
	"github.com/image-orchestrator/internal/http/handlers"
	"github.com/image-orchestrator/internal/http/middleware"
	"github.com/image-orchestrator/internal/quota"
)

// maxRequestBody caps the JSON control-plane bodies. Image binaries never
// travel through this API (payloads are object-storage references), so a
// small cap is safe.
const maxRequestBody = 1 << 20

// Deps carries the orchestration components the routes delegate to.
type Deps struct {
	DB         *gorm.DB
	Ledger     *quota.Ledger
	Aggregator *groups.Aggregator
	Dispatcher *dispatch.Dispatcher
	Correlator *correlate.Correlator
}

// RegisterRoutes attaches all middleware and endpoints to the engine.
//
// Middleware order: tracing first so every later step is inside the span,
// then RequestID → Logger → Recovery so panics log with correlation IDs,
// then body cap, metrics, rate limiting, CORS, and security headers.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxRequestBody))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	items := &handlers.ItemsHandler{
		DB:         deps.DB,
		Aggregator: deps.Aggregator,
		Dispatcher: deps.Dispatcher,
		Quota:      cfg.Quota,
		MaxPayload: cfg.MaxPayloadBytes,
	}
	workers := &handlers.WorkerHandler{Correlator: deps.Correlator}
	jobs := &handlers.JobsHandler{DB: deps.DB}
	quotas := &handlers.QuotaHandler{Ledger: deps.Ledger}

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		api.POST("/items", items.Submit)

		api.POST("/worker/start", workers.Start)
		api.POST("/worker/results", workers.Result)

		api.GET("/jobs", jobs.List)
		api.GET("/jobs/:id", jobs.Get)

		api.GET("/users/:id/quota", quotas.Get)
	}
}

// corsMiddleware allows everything when no origins are configured and
// enforces the allowlist otherwise.
func corsMiddleware(origins []string) gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		base.AllowAllOrigins = true
	} else {
		base.AllowOrigins = origins
	}
	return cors.New(base)
}

// limitBody caps the request body via http.MaxBytesReader; oversized
// bodies error on read downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" or empty as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
