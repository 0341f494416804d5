package models

// SuccessStatus is the status string carried by every success record.
const SuccessStatus = "success"

// Finding is a synthetic detection produced by the analysis step.
type Finding struct {
	Label      string  `json:"label" msgpack:"label"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
}

// SuccessRecord is the outcome of a file that was analysed.
type SuccessRecord struct {
	File     string    `json:"file" msgpack:"file"`
	Status   string    `json:"status" msgpack:"status"`
	Findings []Finding `json:"findings" msgpack:"findings"`
}

// ErrorRecord is the outcome of a file whose analysis failed.
type ErrorRecord struct {
	File  string `json:"file" msgpack:"file"`
	Error string `json:"error" msgpack:"error"`
}

// ResultsDocument is the downloadable export of a run.
type ResultsDocument struct {
	Results []SuccessRecord `json:"results" msgpack:"results"`
	Errors  []ErrorRecord   `json:"errors" msgpack:"errors"`
}

// Empty reports whether the document carries no outcome at all.
func (d ResultsDocument) Empty() bool {
	return len(d.Results) == 0 && len(d.Errors) == 0
}

// LabelStats aggregates the findings of a single label.
type LabelStats struct {
	Label          string  `json:"label"`
	Count          int     `json:"count"`
	MeanConfidence float64 `json:"meanConfidence"`
	MinConfidence  float64 `json:"minConfidence"`
	MaxConfidence  float64 `json:"maxConfidence"`
}

// RunSummary is the aggregate view of a results document.
type RunSummary struct {
	Processed    int          `json:"processed"`
	Succeeded    int          `json:"succeeded"`
	Failed       int          `json:"failed"`
	WithFindings int          `json:"withFindings"`
	ErrorRate    float64      `json:"errorRate"`
	Labels       []LabelStats `json:"labels"`
}
