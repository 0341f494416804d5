// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/neolens/backend/internal/config"
	"github.com/neolens/backend/internal/storage"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store      storage.Store
	SessionMgr SessionManager
	Batch      config.BatchConfig
	Version    string
	Logger     *zap.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health HealthHandler
	Batch  BatchHandler
	Upload UploadHandler
	Events EventStreamHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health: NewHealthHandler(deps.Version),
		Batch:  NewBatchHandler(deps.SessionMgr, deps.Batch),
		Upload: NewUploadHandler(deps.Store, deps.SessionMgr, deps.Logger),
		Events: NewWebSocketHandler(deps.SessionMgr, deps.Logger),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	apiGroup.GET("/config/batch", handlers.Batch.HandleBatchConfig)

	// Run sessions
	batchGroup := apiGroup.Group("/batch")
	batchGroup.POST("", handlers.Batch.HandleCreateBatch)
	batchGroup.POST("/upload", handlers.Upload.HandleUploadBatch)
	batchGroup.GET("/:sessionId", handlers.Batch.HandleGetBatch)
	batchGroup.PUT("/:sessionId/files", handlers.Batch.HandleSelectFiles)
	batchGroup.POST("/:sessionId/process", handlers.Batch.HandleProcess)
	batchGroup.POST("/:sessionId/cancel", handlers.Batch.HandleCancel)
	batchGroup.GET("/:sessionId/progress", handlers.Batch.HandleProgressStream)
	batchGroup.GET("/:sessionId/export", handlers.Batch.HandleExport)
	batchGroup.GET("/:sessionId/export/msgpack", handlers.Batch.HandleExportMsgpack)
	batchGroup.GET("/:sessionId/summary", handlers.Batch.HandleSummary)
	batchGroup.DELETE("/:sessionId", handlers.Batch.HandleDeleteBatch)

	// WebSocket event feed
	apiGroup.GET("/ws/batch/:sessionId", handlers.Events.HandleWebSocket)
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler
}
