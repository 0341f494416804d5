// handlers_upload.go - Candidate upload handlers
package api

import (
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/neolens/backend/internal/models"
	"github.com/neolens/backend/internal/storage"
)

// UploadHandlerImpl implements the UploadHandler interface
type UploadHandlerImpl struct {
	store      storage.Store
	sessionMgr SessionManager
	log        *zap.Logger
}

// NewUploadHandler creates a new upload handler instance
func NewUploadHandler(store storage.Store, sessionMgr SessionManager, log *zap.Logger) UploadHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &UploadHandlerImpl{
		store:      store,
		sessionMgr: sessionMgr,
		log:        log,
	}
}

// HandleUploadBatch stores multipart "files" and opens a session over them.
// With ?sessionId= the uploads replace that session's selection instead.
func (h *UploadHandlerImpl) HandleUploadBatch(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return NewBadRequestError("invalid multipart form", err)
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return NewValidationError("files")
	}

	infos := make([]*models.FileInfo, 0, len(headers))
	for _, fh := range headers {
		info, err := h.save(fh)
		if err != nil {
			h.discard(infos)
			return NewInternalError("failed to save file", err)
		}
		infos = append(infos, info)
	}

	handles := make([]models.FileHandle, len(infos))
	ids := make([]string, len(infos))
	for i, info := range infos {
		handles[i] = info.Handle()
		ids[i] = info.ID
	}

	var sess *models.RunSession
	status := http.StatusCreated
	if id := c.QueryParam("sessionId"); id != "" {
		sess, err = h.sessionMgr.Select(id, handles, ids)
		status = http.StatusOK
	} else {
		sess, err = h.sessionMgr.CreateSession(handles, ids)
	}
	if err != nil {
		h.discard(infos)
		return sessionError(err, c.QueryParam("sessionId"))
	}

	h.log.Debug("candidates uploaded", zap.String("session", sess.ID), zap.Int("files", len(infos)))
	return c.JSON(status, sess)
}

func (h *UploadHandlerImpl) save(fh *multipart.FileHeader) (*models.FileInfo, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return h.store.Save(fh.Filename, src)
}

func (h *UploadHandlerImpl) discard(infos []*models.FileInfo) {
	for _, info := range infos {
		if err := h.store.Delete(info.ID); err != nil {
			h.log.Warn("failed to discard upload", zap.String("file", info.ID), zap.Error(err))
		}
	}
}
