// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/neolens/backend/internal/batch"
	"github.com/neolens/backend/internal/models"
	"github.com/neolens/backend/internal/session"
)

// BatchHandler handles run-session operations
type BatchHandler interface {
	HandleBatchConfig(c echo.Context) error
	HandleCreateBatch(c echo.Context) error
	HandleGetBatch(c echo.Context) error
	HandleSelectFiles(c echo.Context) error
	HandleProcess(c echo.Context) error
	HandleCancel(c echo.Context) error
	HandleProgressStream(c echo.Context) error
	HandleExport(c echo.Context) error
	HandleExportMsgpack(c echo.Context) error
	HandleSummary(c echo.Context) error
	HandleDeleteBatch(c echo.Context) error
}

// UploadHandler handles candidate uploads
type UploadHandler interface {
	HandleUploadBatch(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// EventStreamHandler handles the WebSocket event feed
type EventStreamHandler interface {
	HandleWebSocket(c echo.Context) error
}

// SessionManager defines the interface for session management
// This allows mocking in tests
type SessionManager interface {
	CreateSession(handles []models.FileHandle, fileIDs []string) (*models.RunSession, error)
	Select(id string, handles []models.FileHandle, fileIDs []string) (*models.RunSession, error)
	StartProcess(id string, maxConcurrent int) (*models.RunSession, error)
	Cancel(id string) (*models.RunSession, error)
	GetSession(id string) (*models.RunSession, bool)
	Progress(id string) (models.Progress, bool)
	Export(id string, format session.ExportFormat) ([]byte, bool, error)
	Summary(ctx context.Context, id string) (*models.RunSummary, error)
	Subscribe(id string) (<-chan batch.Event, func(), error)
	TouchSession(id string) bool
	DeleteSession(id string) error
}

var _ SessionManager = (*session.Manager)(nil)
