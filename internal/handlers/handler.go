package handlers

import (
	"device_provisioner/internal/logger"
	"device_provisioner/internal/service"
	"device_provisioner/internal/telemetry"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// EventStream is the source of live events for websocket clients.
type EventStream interface {
	Subscribe() (<-chan telemetry.Envelope, func())
}

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	stream   EventStream
	log      *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies. stream may be
// nil, in which case websocket clients only receive statistics.
func NewHandler(services *service.Service, stream EventStream, log *logger.Logger) *Handler {
	return &Handler{services: services, stream: stream, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	router.GET("/health", h.health)

	h.registerAuthRoutes(router)
	h.registerAPIRoutes(router)

	// Live device events and statistics over a WebSocket upgrade.
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-up", h.signUp)
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.operatorMiddleware)
	{
		h.registerDeviceRoutes(api)
		h.registerStatisticsRoutes(api)
		h.registerLogRoutes(api)
	}
}

func (h *Handler) registerDeviceRoutes(api *gin.RouterGroup) {
	devices := api.Group("/devices")
	{
		devices.GET("", h.listDevices)
		devices.POST("", h.addDevice)
		devices.POST("/detect", h.detectDevices)
		devices.POST("/start-all", h.startAll)
		devices.POST("/stop-all", h.stopAll)
		devices.POST("/wait", h.waitForCompletion)

		devices.GET("/:id", h.getDevice)
		devices.DELETE("/:id", h.removeDevice)
		devices.PUT("/:id/config", h.setDeviceConfig)
		devices.POST("/:id/start", h.startDevice)
		devices.POST("/:id/stop", h.stopDevice)
		devices.POST("/:id/reset", h.resetDevice)
		// Body example: {"action":"retry_from","phase":"config_update"}
		devices.POST("/:id/retry", h.retryDevice)
		devices.GET("/:id/retry-options", h.getRetryOptions)
		devices.GET("/:id/error", h.getDeviceError)
	}
}

func (h *Handler) registerStatisticsRoutes(api *gin.RouterGroup) {
	stats := api.Group("/statistics")
	{
		stats.GET("", h.getStatistics)
		stats.GET("/performance", h.getPerformance)
		stats.GET("/recent", h.getRecent)
		stats.DELETE("/history", h.clearHistory)
	}
	api.GET("/outcomes", h.listOutcomes)
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	logs := api.Group("/logs")
	{
		logs.GET("/", h.getLogs)
	}
}
