// handlers_batch_test.go - Tests for run-session handlers
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neolens/backend/internal/batch"
	"github.com/neolens/backend/internal/config"
	"github.com/neolens/backend/internal/models"
	"github.com/neolens/backend/internal/session"
	"github.com/neolens/backend/internal/testutil"
)

// instant succeeds immediately with one finding.
var instant = batch.AnalyzerFunc(func(ctx context.Context, f models.CandidateFile) (batch.Outcome, error) {
	return batch.Outcome{Findings: []models.Finding{{Label: "pulmonary_nodule", Confidence: 0.85}}}, nil
})

// paced takes a little while per file so progress can be observed.
var paced = batch.AnalyzerFunc(func(ctx context.Context, f models.CandidateFile) (batch.Outcome, error) {
	select {
	case <-time.After(20 * time.Millisecond):
		return batch.Outcome{}, nil
	case <-ctx.Done():
		return batch.Outcome{}, ctx.Err()
	}
})

// stuck never finishes until canceled.
var stuck = batch.AnalyzerFunc(func(ctx context.Context, f models.CandidateFile) (batch.Outcome, error) {
	<-ctx.Done()
	return batch.Outcome{}, ctx.Err()
})

type testServer struct {
	e     *echo.Echo
	mgr   *session.Manager
	store *testutil.MockStorage
}

func newTestServer(t *testing.T, analyzer batch.Analyzer) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	store := testutil.NewMockStorage()
	mgr := session.NewManagerWithAnalyzer(cfg, store, analyzer, nil)

	e := echo.New()
	SetupMiddleware(e)
	RegisterRoutes(e, NewHandlers(&Dependencies{
		Store:      store,
		SessionMgr: mgr,
		Batch:      cfg.Batch,
		Version:    "test",
	}))
	return &testServer{e: e, mgr: mgr, store: store}
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) create(t *testing.T, names ...string) models.RunSession {
	t.Helper()
	files := make([]models.FileHandle, len(names))
	for i, n := range names {
		files[i] = models.FileHandle{Name: n, Size: 1024}
	}
	rec := s.do(http.MethodPost, "/api/batch", map[string]interface{}{"files": files})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sess models.RunSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	t.Cleanup(func() { _ = s.mgr.DeleteSession(sess.ID) })
	return sess
}

func (s *testServer) waitIdle(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, ok := s.mgr.Progress(id)
		return ok && !p.Running
	}, 5*time.Second, 5*time.Millisecond)
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func TestBatchHandler_HandleCreateBatch(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantTotal  int
		wantErr    bool
		errCode    string
	}{
		{
			name:       "valid selection",
			body:       `{"files":[{"name":"a.png","size":1},{"name":"b.txt","size":2},{"name":"c.dcm","size":3}]}`,
			wantStatus: http.StatusCreated,
			wantTotal:  2,
		},
		{
			name:       "empty selection",
			body:       `{"files":[]}`,
			wantStatus: http.StatusCreated,
			wantTotal:  0,
		},
		{
			name:       "missing files",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantErr:    true,
			errCode:    "VALIDATION_ERROR",
		},
		{
			name:       "nameless file",
			body:       `{"files":[{"size":1}]}`,
			wantStatus: http.StatusBadRequest,
			wantErr:    true,
			errCode:    "VALIDATION_ERROR",
		},
		{
			name:       "malformed json",
			body:       `{"files":`,
			wantStatus: http.StatusBadRequest,
			wantErr:    true,
			errCode:    "BAD_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := session.NewManagerWithAnalyzer(config.DefaultConfig(), testutil.NewMockStorage(), instant, nil)
			handler := NewBatchHandler(mgr, config.DefaultConfig().Batch)

			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/batch", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := handler.HandleCreateBatch(c)

			if tt.wantErr {
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr), "expected APIError, got %T", err)
				assert.Equal(t, tt.wantStatus, apiErr.Status)
				assert.Equal(t, tt.errCode, apiErr.Code)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var sess models.RunSession
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
			assert.NotEmpty(t, sess.ID)
			assert.Equal(t, tt.wantTotal, sess.Progress.Total)
		})
	}
}

func TestBatchAPI_ProcessAndExport(t *testing.T) {
	s := newTestServer(t, instant)
	sess := s.create(t, "a.png", "b.txt", "c.dcm")

	rec := s.do(http.MethodPost, "/api/batch/"+sess.ID+"/process", map[string]int{"maxConcurrent": 3})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	s.waitIdle(t, sess.ID)

	rec = s.do(http.MethodGet, "/api/batch/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.RunSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 2, snap.Progress.Done)
	assert.Equal(t, 100, snap.Progress.Percent)
	assert.Equal(t, 2, snap.ResultCount)
	assert.Equal(t, models.FileStatusQueued, snap.Files[1].Status, "invalid files stay untouched")

	rec = s.do(http.MethodGet, "/api/batch/"+sess.ID+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), `filename="batch-results.json"`)

	var doc models.ResultsDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Results, 2)
	assert.Empty(t, doc.Errors)
	assert.Equal(t, "success", doc.Results[0].Status)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "{\n  \"results\""), "export is indented by two spaces")

	rec = s.do(http.MethodGet, "/api/batch/"+sess.ID+"/export/msgpack", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MIMEMsgpack, rec.Header().Get(echo.HeaderContentType))
	decoded, err := batch.DecodeMsgpack(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, decoded.Results, 2)

	rec = s.do(http.MethodGet, "/api/batch/"+sess.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary models.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.WithFindings)
}

func TestBatchAPI_ExportWithoutResults(t *testing.T) {
	s := newTestServer(t, instant)
	sess := s.create(t, "a.png")

	rec := s.do(http.MethodGet, "/api/batch/"+sess.ID+"/export", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/batch/"+sess.ID+"/export/msgpack", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBatchAPI_ProcessErrors(t *testing.T) {
	s := newTestServer(t, stuck)

	noValid := s.create(t, "notes.txt")
	rec := s.do(http.MethodPost, "/api/batch/"+noValid.ID+"/process", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/batch/missing/process", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeAPIError(t, rec).Code)

	rec = s.do(http.MethodPost, "/api/batch/"+noValid.ID+"/process", map[string]int{"maxConcurrent": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeAPIError(t, rec).Code)

	running := s.create(t, "a.png", "b.png")
	rec = s.do(http.MethodPost, "/api/batch/"+running.ID+"/process", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(http.MethodPost, "/api/batch/"+running.ID+"/process", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", decodeAPIError(t, rec).Code)

	rec = s.do(http.MethodPut, "/api/batch/"+running.ID+"/files", map[string]interface{}{
		"files": []models.FileHandle{{Name: "c.png", Size: 1}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBatchAPI_CancelResetsSession(t *testing.T) {
	s := newTestServer(t, stuck)
	sess := s.create(t, "a.png", "b.png", "c.png")

	rec := s.do(http.MethodPost, "/api/batch/"+sess.ID+"/process", map[string]int{"maxConcurrent": 2})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(http.MethodPost, "/api/batch/"+sess.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap models.RunSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Empty(t, snap.Files)
	assert.Zero(t, snap.Progress.Done)
	assert.Zero(t, snap.Progress.Total)
	assert.False(t, snap.Progress.Running)
	assert.Zero(t, snap.ResultCount+snap.ErrorCount)

	rec = s.do(http.MethodPut, "/api/batch/"+sess.ID+"/files", map[string]interface{}{
		"files": []models.FileHandle{{Name: "d.jpeg", Size: 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code, "session accepts a new selection after cancel")
}

func TestBatchAPI_ProgressStream(t *testing.T) {
	s := newTestServer(t, paced)
	sess := s.create(t, "a.png", "b.png", "c.png", "d.png")

	rec := s.do(http.MethodPost, "/api/batch/"+sess.ID+"/process", map[string]int{"maxConcurrent": 2})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(http.MethodGet, "/api/batch/"+sess.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var frames []models.Progress
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var p models.Progress
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p))
		frames = append(frames, p)
	}
	require.NotEmpty(t, frames)

	for i := 1; i < len(frames); i++ {
		assert.GreaterOrEqual(t, frames[i].Done, frames[i-1].Done, "done never decreases")
		assert.Equal(t, 4, frames[i].Total)
	}
	last := frames[len(frames)-1]
	assert.Equal(t, 4, last.Done)
	assert.Equal(t, 100, last.Percent)
	assert.False(t, last.Running)
}

func TestBatchAPI_ProgressStreamUnknownSession(t *testing.T) {
	s := newTestServer(t, instant)

	rec := s.do(http.MethodGet, "/api/batch/missing/progress", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"session not found"`)
}

func TestBatchAPI_DeleteSession(t *testing.T) {
	s := newTestServer(t, instant)
	sess := s.create(t, "a.png")

	rec := s.do(http.MethodDelete, "/api/batch/"+sess.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/batch/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodDelete, "/api/batch/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchAPI_Config(t *testing.T) {
	s := newTestServer(t, instant)

	rec := s.do(http.MethodGet, "/api/config/batch", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp batchConfigResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{".dcm", ".dicom", ".jpg", ".jpeg", ".png"}, resp.AllowedExtensions)
	assert.Equal(t, 3, resp.MaxConcurrent)
	assert.Equal(t, 400, resp.SimulateMinMs)
	assert.Equal(t, 1200, resp.SimulateMaxMs)
	assert.Equal(t, "batch-results.json", resp.ExportFileName)
}

func TestBatchAPI_Health(t *testing.T) {
	s := newTestServer(t, instant)

	rec := s.do(http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"test"}`, rec.Body.String())
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	for name, content := range files {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestUploadHandler_HandleUploadBatch(t *testing.T) {
	s := newTestServer(t, instant)

	body, contentType := multipartBody(t, map[string]string{"scan.dcm": "dicom-bytes", "notes.txt": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/batch/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess models.RunSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	t.Cleanup(func() { _ = s.mgr.DeleteSession(sess.ID) })

	assert.Len(t, sess.Files, 2)
	assert.Len(t, sess.FileIDs, 2)
	assert.Equal(t, 1, sess.Progress.Total)
	assert.Equal(t, 2, s.store.GetFileCount())

	sizes := map[string]int64{}
	for _, f := range sess.Files {
		sizes[f.Name] = f.Size
	}
	assert.Equal(t, int64(len("dicom-bytes")), sizes["scan.dcm"])

	// Re-upload into the same session replaces the selection and its blobs
	body, contentType = multipartBody(t, map[string]string{"chest.png": "png"})
	req = httptest.NewRequest(http.MethodPost, "/api/batch/upload?sessionId="+sess.ID, body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Len(t, sess.Files, 1)
	assert.Equal(t, 1, s.store.GetFileCount())
}

func TestUploadHandler_Errors(t *testing.T) {
	s := newTestServer(t, instant)

	t.Run("no files field", func(t *testing.T) {
		body, contentType := multipartBody(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/batch/upload", body)
		req.Header.Set(echo.HeaderContentType, contentType)
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeAPIError(t, rec).Code)
	})

	t.Run("unknown session discards uploads", func(t *testing.T) {
		body, contentType := multipartBody(t, map[string]string{"a.png": "x"})
		req := httptest.NewRequest(http.MethodPost, "/api/batch/upload?sessionId=missing", body)
		req.Header.Set(echo.HeaderContentType, contentType)
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, 0, s.store.GetFileCount())
	})

	t.Run("not multipart", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/batch/upload", map[string]string{"files": "a.png"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
