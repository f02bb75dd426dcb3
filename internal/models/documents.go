package models

import "time"

// DefaultSource is stored when a record does not name its source.
const DefaultSource = "kalshi"

// Document is one stored text with its embedding. ID is assigned by the store.
type Document struct {
	ID        int64      `json:"id"`
	Text      string     `json:"text"`
	Embedding []float32  `json:"embedding,omitempty"`
	Topic     string     `json:"topic"`
	Source    string     `json:"source"`
	Date      *time.Time `json:"date,omitempty"`
	URL       string     `json:"url"`
	CreatedAt time.Time  `json:"created_at"`
}

// DocumentCandidate is a raw ingestion record before validation.
// Text and Embedding are mandatory for insertion; the pipeline may fill a missing embedding.
type DocumentCandidate struct {
	Text      string     `json:"text" validate:"required,no_null_bytes"`
	Embedding []float32  `json:"embedding" validate:"required,min=1"`
	Topic     string     `json:"topic" validate:"max=500,no_null_bytes"`
	Source    string     `json:"source" validate:"max=100,no_null_bytes"`
	Date      *time.Time `json:"date,omitempty"`
	URL       string     `json:"url" validate:"no_null_bytes"`
}

// Skip reasons reported for records excluded from ingestion.
const (
	SkipReasonNullRecord        = "null_record"
	SkipReasonMissingText       = "missing_text"
	SkipReasonMissingEmbedding  = "missing_embedding"
	SkipReasonDimensionMismatch = "dimension_mismatch"
	SkipReasonInvalidField      = "invalid_field"
	SkipReasonEmbeddingFailed   = "embedding_failed"
)

// SkippedRecord describes one record that was not inserted. Index is the record's position in the batch.
type SkippedRecord struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// InsertResult is what a bulk insert reports back: how many rows landed and which candidates were skipped.
type InsertResult struct {
	Inserted int             `json:"inserted"`
	Skipped  []SkippedRecord `json:"skipped,omitempty"`
}

// QueryResult is one similarity search match. Distance is cosine distance (0 = identical direction).
type QueryResult struct {
	ID       int64      `json:"id"`
	Text     string     `json:"text"`
	Topic    string     `json:"topic"`
	Source   string     `json:"source"`
	Date     *time.Time `json:"date,omitempty"`
	URL      string     `json:"url"`
	Distance float64    `json:"distance"`
}
