package models

import "time"

// FileInfo represents metadata about an uploaded candidate blob.
type FileInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Handle returns the name/size pair used to select the upload into a batch.
func (f *FileInfo) Handle() FileHandle {
	return FileHandle{Name: f.Name, Size: f.Size}
}
