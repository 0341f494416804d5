package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neolens/backend/internal/api"
	"github.com/neolens/backend/internal/batch"
	"github.com/neolens/backend/internal/config"
	"github.com/neolens/backend/internal/models"
	"github.com/neolens/backend/internal/session"
	"github.com/neolens/backend/internal/testutil"
)

func newServer(t *testing.T, analyzer batch.Analyzer) (*Client, *session.Manager) {
	t.Helper()
	cfg := config.DefaultConfig()
	store := testutil.NewMockStorage()
	mgr := session.NewManagerWithAnalyzer(cfg, store, analyzer, nil)

	e := echo.New()
	api.SetupMiddleware(e)
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Store:      store,
		SessionMgr: mgr,
		Batch:      cfg.Batch,
		Version:    "test",
	}))

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	c := New(srv.URL, nil)
	c.PollInitial = 5 * time.Millisecond
	c.PollMax = 20 * time.Millisecond
	return c, mgr
}

var quick = batch.AnalyzerFunc(func(ctx context.Context, f models.CandidateFile) (batch.Outcome, error) {
	if f.Name == "broken.png" {
		return batch.Outcome{Failed: true, Error: "Simulated processing error"}, nil
	}
	return batch.Outcome{}, nil
})

var hang = batch.AnalyzerFunc(func(ctx context.Context, f models.CandidateFile) (batch.Outcome, error) {
	<-ctx.Done()
	return batch.Outcome{}, ctx.Err()
})

func TestClient_RunToCompletion(t *testing.T) {
	c, _ := newServer(t, quick)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, []models.FileHandle{
		{Name: "a.png", Size: 1}, {Name: "broken.png", Size: 2}, {Name: "x.txt", Size: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Progress.Total)

	_, err = c.Process(ctx, sess.ID, 2)
	require.NoError(t, err)

	var seen []models.Progress
	final, err := c.WaitForCompletion(ctx, sess.ID, func(p models.Progress) { seen = append(seen, p) })
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	assert.Equal(t, 2, final.Progress.Done)
	assert.Equal(t, 1, final.ResultCount)
	assert.Equal(t, 1, final.ErrorCount)

	data, err := c.Export(ctx, sess.ID)
	require.NoError(t, err)
	var doc models.ResultsDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Len(t, doc.Results, 1)
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "broken.png", doc.Errors[0].File)
}

func TestClient_ExportWithoutResults(t *testing.T) {
	c, _ := newServer(t, quick)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, []models.FileHandle{{Name: "a.png", Size: 1}})
	require.NoError(t, err)

	data, err := c.Export(ctx, sess.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[],"errors":[]}`, string(data))
}

func TestClient_Upload(t *testing.T) {
	c, _ := newServer(t, quick)
	dir := t.TempDir()

	var paths []string
	for name, content := range map[string]string{"scan.dcm": "dicom", "readme.md": "text"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
		paths = append(paths, p)
	}

	sess, err := c.Upload(context.Background(), paths)
	require.NoError(t, err)
	assert.Len(t, sess.Files, 2)
	assert.Len(t, sess.FileIDs, 2)
	assert.Equal(t, 1, sess.Progress.Total)

	_, err = c.Upload(context.Background(), []string{filepath.Join(dir, "missing.png")})
	assert.Error(t, err)
}

func TestClient_WaitForMissingSessionStopsImmediately(t *testing.T) {
	c, _ := newServer(t, quick)

	start := time.Now()
	_, err := c.WaitForCompletion(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_WaitHonoursContext(t *testing.T) {
	c, mgr := newServer(t, hang)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, []models.FileHandle{{Name: "a.png", Size: 1}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.DeleteSession(sess.ID) })
	_, err = c.Process(ctx, sess.ID, 1)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	last, err := c.WaitForCompletion(waitCtx, sess.ID, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, last)
	assert.True(t, last.Progress.Running)

	reset, err := c.Cancel(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, reset.Progress.Running)
}

func TestClient_StatusErrors(t *testing.T) {
	c, _ := newServer(t, quick)

	_, err := c.Process(context.Background(), "missing", 1)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.StatusCode)
	assert.Equal(t, "NOT_FOUND", se.Code)
}
