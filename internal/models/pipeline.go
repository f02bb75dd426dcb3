package models

// Pipeline result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// IngestResult summarises one ingestion call. Received counts every record in the batch,
// including null entries dropped by the decoder.
type IngestResult struct {
	Status      string          `json:"status"`
	Received    int             `json:"received"`
	Inserted    int             `json:"inserted"`
	Skipped     int             `json:"skipped"`
	SkipReasons map[string]int  `json:"skip_reasons,omitempty"`
	SkippedList []SkippedRecord `json:"skipped_records,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// DataBreakdown counts what went into the prompt.
type DataBreakdown struct {
	PrimaryRecords   int `json:"primary_records"`
	SecondaryRecords int `json:"secondary_records"`
	TotalMatches     int `json:"total_matches"`
}

// QueryResponse is the query path's result. On error only Status, Question, Error and Stage are set.
type QueryResponse struct {
	Status        string           `json:"status"`
	Question      string           `json:"question"`
	Analysis      *AnalysisOutcome `json:"roi_analysis,omitempty"`
	DataBreakdown *DataBreakdown   `json:"data_breakdown,omitempty"`
	Error         string           `json:"error,omitempty"`
	Stage         string           `json:"stage,omitempty"`
}
