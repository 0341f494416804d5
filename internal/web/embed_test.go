package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStaticRoutes(t *testing.T) {
	require.True(t, HasEmbeddedFiles())

	e := echo.New()
	require.NoError(t, RegisterStaticRoutes(e))

	tests := []struct {
		name       string
		path       string
		wantStatus int
		contains   string
	}{
		{"root serves page", "/", http.StatusOK, "Batch processing"},
		{"unknown page falls back", "/sessions/abc", http.StatusOK, "Batch processing"},
		{"unknown api path is 404", "/api/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.contains != "" {
				assert.Contains(t, rec.Body.String(), tt.contains)
			}
		})
	}
}
