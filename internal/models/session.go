package models

import "time"

// Progress is the aggregate progress of a run session.
type Progress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"` // 0-100
	Running bool   `json:"running"`
	Epoch   uint64 `json:"epoch"`
}

// RunSession is the externally visible snapshot of a batch session.
type RunSession struct {
	ID          string          `json:"id"`
	Files       []CandidateFile `json:"files"`
	Progress    Progress        `json:"progress"`
	ResultCount int             `json:"resultCount"`
	ErrorCount  int             `json:"errorCount"`
	FileIDs     []string        `json:"fileIds,omitempty"` // Stored uploads backing the selection
	CreatedAt   time.Time       `json:"createdAt"`
}
