package models

// FileStatus represents where a candidate file is in the batch lifecycle.
type FileStatus string

const (
	FileStatusQueued     FileStatus = "queued"
	FileStatusProcessing FileStatus = "processing"
	FileStatusDone       FileStatus = "done"
	FileStatusError      FileStatus = "error"
)

// FileHandle is a raw file reference as handed over by a file picker.
type FileHandle struct {
	Name string `json:"name" msgpack:"name"`
	Size int64  `json:"size" msgpack:"size"`
}

// CandidateFile is a selected file pending classification and processing.
type CandidateFile struct {
	Name   string     `json:"name" msgpack:"name"`
	Size   int64      `json:"size" msgpack:"size"`
	Valid  bool       `json:"valid" msgpack:"valid"`
	Status FileStatus `json:"status" msgpack:"status"`
}
