// handlers_batch.go - Run-session operation handlers
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/neolens/backend/internal/batch"
	"github.com/neolens/backend/internal/config"
	"github.com/neolens/backend/internal/models"
	"github.com/neolens/backend/internal/session"
)

// MIMEMsgpack is the content type of MessagePack exports
const MIMEMsgpack = "application/x-msgpack"

// progressInterval is how often the SSE stream samples progress
const progressInterval = 100 * time.Millisecond

// BatchHandlerImpl implements the BatchHandler interface
type BatchHandlerImpl struct {
	sessionMgr SessionManager
	batchCfg   config.BatchConfig
	streamFor  time.Duration
}

// NewBatchHandler creates a new batch handler instance
func NewBatchHandler(sessionMgr SessionManager, batchCfg config.BatchConfig) BatchHandler {
	return &BatchHandlerImpl{
		sessionMgr: sessionMgr,
		batchCfg:   batchCfg,
		streamFor:  5 * time.Minute,
	}
}

// HandleBatchConfig returns the allow-list and processing defaults
func (h *BatchHandlerImpl) HandleBatchConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, batchConfigResponse{
		AllowedExtensions: batch.AllowedExtensions,
		MaxConcurrent:     h.batchCfg.MaxConcurrent,
		SimulateMinMs:     h.batchCfg.SimulateMinMs,
		SimulateMaxMs:     h.batchCfg.SimulateMaxMs,
		ExportFileName:    batch.ExportFileName,
	})
}

// HandleCreateBatch opens a session from name/size handles
func (h *BatchHandlerImpl) HandleCreateBatch(c echo.Context) error {
	var req selectFilesRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	sess, err := h.sessionMgr.CreateSession(req.Files, nil)
	if err != nil {
		return sessionError(err, "")
	}

	return c.JSON(http.StatusCreated, sess)
}

// HandleGetBatch returns the current session snapshot
func (h *BatchHandlerImpl) HandleGetBatch(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	sess, ok := h.sessionMgr.GetSession(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	// Touch session to prevent cleanup while being viewed
	h.sessionMgr.TouchSession(id)

	return c.JSON(http.StatusOK, sess)
}

// HandleSelectFiles replaces the session's candidate set
func (h *BatchHandlerImpl) HandleSelectFiles(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	var req selectFilesRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	sess, err := h.sessionMgr.Select(id, req.Files, nil)
	if err != nil {
		return sessionError(err, id)
	}

	return c.JSON(http.StatusOK, sess)
}

// HandleProcess starts the session's run in the background
func (h *BatchHandlerImpl) HandleProcess(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	var req processRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return NewBadRequestError("invalid request body", err)
		}
	}
	if req.MaxConcurrent < 0 {
		return NewValidationError("maxConcurrent")
	}

	sess, err := h.sessionMgr.StartProcess(id, req.MaxConcurrent)
	if err != nil {
		return sessionError(err, id)
	}

	return c.JSON(http.StatusAccepted, sess)
}

// HandleCancel abandons the current run and resets the session
func (h *BatchHandlerImpl) HandleCancel(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	sess, err := h.sessionMgr.Cancel(id)
	if err != nil {
		return sessionError(err, id)
	}

	return c.JSON(http.StatusOK, sess)
}

// HandleProgressStream streams run progress via SSE until the run stops
func (h *BatchHandlerImpl) HandleProgressStream(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	progress, ok := h.sessionMgr.Progress(id)
	if !ok {
		sendSSEError(c, "session not found")
		return nil
	}
	sendSSEData(c, progress)
	if !progress.Running {
		return nil
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(h.streamFor)
	defer timeout.Stop()

	ctx := c.Request().Context()
	last := progress
	for {
		select {
		case <-ticker.C:
			progress, ok := h.sessionMgr.Progress(id)
			if !ok {
				sendSSEError(c, "session not found")
				return nil
			}
			h.sessionMgr.TouchSession(id)

			if progress != last {
				sendSSEData(c, progress)
				last = progress
			}
			if !progress.Running {
				return nil
			}

		case <-timeout.C:
			sendSSEError(c, "stream timeout")
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// HandleExport downloads the results document as batch-results.json
func (h *BatchHandlerImpl) HandleExport(c echo.Context) error {
	return h.export(c, session.FormatJSON, echo.MIMEApplicationJSON, batch.ExportFileName)
}

// HandleExportMsgpack downloads the results document as MessagePack
func (h *BatchHandlerImpl) HandleExportMsgpack(c echo.Context) error {
	return h.export(c, session.FormatMsgpack, MIMEMsgpack, "batch-results.msgpack")
}

func (h *BatchHandlerImpl) export(c echo.Context, format session.ExportFormat, contentType, filename string) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	data, produced, err := h.sessionMgr.Export(id, format)
	if err != nil {
		return sessionError(err, id)
	}
	if !produced {
		return c.NoContent(http.StatusNoContent)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, contentType, data)
}

// HandleSummary returns aggregate statistics over the results so far
func (h *BatchHandlerImpl) HandleSummary(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	summary, err := h.sessionMgr.Summary(c.Request().Context(), id)
	if err != nil {
		return sessionError(err, id)
	}

	return c.JSON(http.StatusOK, summary)
}

// HandleDeleteBatch drops the session and its uploads
func (h *BatchHandlerImpl) HandleDeleteBatch(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	if err := h.sessionMgr.DeleteSession(id); err != nil {
		return sessionError(err, id)
	}

	return c.NoContent(http.StatusNoContent)
}

func sendSSEData(c echo.Context, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(c.Response(), "data: %s\n\n", jsonData)
	c.Response().Flush()
}

func sendSSEError(c echo.Context, message string) {
	sendSSEData(c, map[string]string{"error": message})
}

// Request/Response types

type selectFilesRequest struct {
	Files []models.FileHandle `json:"files"`
}

func (r *selectFilesRequest) validate() error {
	if r.Files == nil {
		return NewValidationError("files")
	}
	for _, f := range r.Files {
		if f.Name == "" {
			return NewValidationError("files[].name")
		}
		if f.Size < 0 {
			return NewValidationError("files[].size")
		}
	}
	return nil
}

type processRequest struct {
	MaxConcurrent int `json:"maxConcurrent"`
}

type batchConfigResponse struct {
	AllowedExtensions []string `json:"allowedExtensions"`
	MaxConcurrent     int      `json:"maxConcurrent"`
	SimulateMinMs     int      `json:"simulateMinMs"`
	SimulateMaxMs     int      `json:"simulateMaxMs"`
	ExportFileName    string   `json:"exportFileName"`
}
