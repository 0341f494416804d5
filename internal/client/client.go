// Package client is a typed HTTP client for the batch service API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/neolens/backend/internal/batch"
	"github.com/neolens/backend/internal/models"
)

// StatusError is a non-2xx response decoded from the API error body.
type StatusError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

var errStillRunning = errors.New("run still in progress")

// Client talks to one batch server.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger

	// Polling bounds for WaitForCompletion
	PollInitial time.Duration
	PollMax     time.Duration
}

// New creates a client for the server at baseURL.
func New(baseURL string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		log:         log,
		PollInitial: 100 * time.Millisecond,
		PollMax:     2 * time.Second,
	}
}

// CreateSession opens a session from name/size handles.
func (c *Client) CreateSession(ctx context.Context, handles []models.FileHandle) (*models.RunSession, error) {
	var sess models.RunSession
	body := map[string]interface{}{"files": handles}
	if err := c.doJSON(ctx, http.MethodPost, "/api/batch", body, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Upload sends local files as candidates and opens a session over them.
func (c *Client) Upload(ctx context.Context, paths []string) (*models.RunSession, error) {
	buf := new(bytes.Buffer)
	writer := multipart.NewWriter(buf)
	for _, p := range paths {
		if err := addFormFile(writer, p); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/batch/upload", buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var sess models.RunSession
	if err := c.send(req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func addFormFile(writer *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	part, err := writer.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// Process starts the session's run.
func (c *Client) Process(ctx context.Context, id string, maxConcurrent int) (*models.RunSession, error) {
	var sess models.RunSession
	body := map[string]int{"maxConcurrent": maxConcurrent}
	if err := c.doJSON(ctx, http.MethodPost, "/api/batch/"+id+"/process", body, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Status returns the session snapshot.
func (c *Client) Status(ctx context.Context, id string) (*models.RunSession, error) {
	var sess models.RunSession
	if err := c.doJSON(ctx, http.MethodGet, "/api/batch/"+id, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Cancel abandons the session's run and resets it.
func (c *Client) Cancel(ctx context.Context, id string) (*models.RunSession, error) {
	var sess models.RunSession
	if err := c.doJSON(ctx, http.MethodPost, "/api/batch/"+id+"/cancel", nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Export downloads the results document. A session with nothing produced
// yields the empty document.
func (c *Client) Export(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/batch/"+id+"/export", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exporting results: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return batch.EncodeJSON(models.ResultsDocument{})
	case resp.StatusCode >= 300:
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// WaitForCompletion polls the session with exponential backoff until its run
// stops. onProgress, if set, sees every polled progress value. A missing
// session ends the wait immediately.
func (c *Client) WaitForCompletion(ctx context.Context, id string, onProgress func(models.Progress)) (*models.RunSession, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.PollInitial
	policy.MaxInterval = c.PollMax
	policy.MaxElapsedTime = 0

	var last *models.RunSession
	op := func() error {
		sess, err := c.Status(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return backoff.Permanent(err)
			}
			c.log.Debug("status poll failed", zap.String("session", id), zap.Error(err))
			return err
		}
		last = sess
		if onProgress != nil {
			onProgress(sess.Progress)
		}
		if sess.Progress.Running {
			return errStillRunning
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if errors.Is(err, errStillRunning) && ctx.Err() != nil {
			return last, ctx.Err()
		}
		return last, err
	}
	return last, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(data, se)
	return se
}
