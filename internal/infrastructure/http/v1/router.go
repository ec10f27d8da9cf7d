// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"docnum/internal/core/apperror"
	"docnum/internal/core/idempotency"
	"docnum/internal/infrastructure/http/v1/handlers"
	"docnum/internal/infrastructure/http/v1/middleware"
	"docnum/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Numbering serves issuance, usage and administration
	Numbering handlers.NumberingService

	// Store is pinged by the readiness probe
	Store handlers.Pinger

	// StoreDriver is reported by the readiness probe
	StoreDriver string

	// Logger for request logging
	Logger *logger.Logger

	// JWTValidator for token validation
	JWTValidator middleware.JWTValidator

	// Idempotency stores X-Idempotency-Key responses. Nil disables replay.
	Idempotency idempotency.Store

	// Debug enables gin debug mode
	Debug bool
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery(cfg.Logger))
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	router.NoRoute(func(c *gin.Context) {
		_ = c.Error(apperror.NewNotFound("route", c.Request.Method+" "+c.Request.URL.Path))
	})

	healthHandler := handlers.NewHealthHandler(cfg.Store, cfg.StoreDriver)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
	}

	base := handlers.NewBaseHandler()

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(cfg.JWTValidator))
	v1.Use(middleware.Idempotency(cfg.Idempotency))
	{
		handlers.NewNumberingHandler(base, cfg.Numbering).RegisterRoutes(v1)

		admin := v1.Group("/admin")
		admin.Use(middleware.RequireAdmin())
		handlers.NewAdminHandler(base, cfg.Numbering).RegisterRoutes(admin)
	}

	return router
}
