package batch

import (
	"path/filepath"
	"strings"

	"github.com/neolens/backend/internal/models"
)

// AllowedExtensions is the fixed allow-list of processable file types.
var AllowedExtensions = []string{".dcm", ".dicom", ".jpg", ".jpeg", ".png"}

// IsValid reports whether name carries one of the allowed extensions.
// Matching is case-insensitive.
func IsValid(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Classify turns raw handles into queued candidates.
func Classify(handles []models.FileHandle) []*models.CandidateFile {
	files := make([]*models.CandidateFile, 0, len(handles))
	for _, h := range handles {
		files = append(files, &models.CandidateFile{
			Name:   h.Name,
			Size:   h.Size,
			Valid:  IsValid(h.Name),
			Status: models.FileStatusQueued,
		})
	}
	return files
}

// CountValid returns the number of valid handles.
func CountValid(handles []models.FileHandle) int {
	n := 0
	for _, h := range handles {
		if IsValid(h.Name) {
			n++
		}
	}
	return n
}
