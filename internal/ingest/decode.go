// Package ingest decodes ingestion payloads into document candidates.
package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/oddsdesk/roirag/internal/models"
	"github.com/oddsdesk/roirag/internal/ragerrors"
)

// SocialTopicSuffix is appended to the topic of every social row so the context assembler
// files it as secondary context.
const SocialTopicSuffix = " social sentiment"

// socialDateLayout is the day-first layout the social scrapers write.
const socialDateLayout = "02/01/2006 15:04"

// dateLayouts are tried in order for JSON record dates and non day-first CSV dates.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// now is the ingestion clock used when a social row's date cannot be read.
var now = time.Now

// ErrNotArray is returned when a JSON batch is not an array of records.
var ErrNotArray = ragerrors.NewValidationError("body", "expected a JSON array of records")

type jsonRecord struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Date      *string   `json:"date"`
	URL       string    `json:"url"`
}

// DecodeJSONBatch reads a JSON array of records. Null entries are kept as nil so the
// pipeline counts them as received and skips them. A date that matches none of the accepted
// layouts is dropped with a warning; the record itself is kept.
func DecodeJSONBatch(r io.Reader) ([]*models.DocumentCandidate, error) {
	var raw []json.RawMessage

	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, ErrNotArray
		}

		return nil, ragerrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}

	if raw == nil {
		return nil, ErrNotArray
	}

	batch := make([]*models.DocumentCandidate, len(raw))

	for i, msg := range raw {
		if bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
			continue
		}

		var rec jsonRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			return nil, ragerrors.NewValidationError(
				fmt.Sprintf("records[%d]", i), fmt.Sprintf("records[%d]: %v", i, err))
		}

		c := &models.DocumentCandidate{
			Text:      rec.Text,
			Embedding: rec.Embedding,
			Topic:     rec.Topic,
			Source:    rec.Source,
			URL:       rec.URL,
		}

		if rec.Date != nil && strings.TrimSpace(*rec.Date) != "" {
			if t, ok := parseDate(*rec.Date); ok {
				c.Date = &t
			} else {
				slog.Warn("ingest: ignoring unrecognized date", "index", i, "date", *rec.Date)
			}
		}

		batch[i] = c
	}

	return batch, nil
}

// DecodeSocialCSV reads scraped social posts with a header row naming at least the
// context and topic columns (datetime is optional). Rows missing context or topic are
// returned as nil entries. Rows carry no embedding.
func DecodeSocialCSV(r io.Reader) ([]*models.DocumentCandidate, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ragerrors.NewValidationError("body", "CSV has no header row")
		}

		return nil, ragerrors.NewValidationError("body", "invalid CSV: "+err.Error())
	}

	cols := columnIndex(header)

	contextCol, ok := cols["context"]
	if !ok {
		return nil, ragerrors.NewValidationError("context", "CSV header has no context column")
	}

	topicCol, ok := cols["topic"]
	if !ok {
		return nil, ragerrors.NewValidationError("topic", "CSV header has no topic column")
	}

	dateCol, hasDate := cols["datetime"]

	var batch []*models.DocumentCandidate

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, ragerrors.NewValidationError("body", "invalid CSV: "+err.Error())
		}

		text := strings.TrimSpace(field(row, contextCol))
		topic := strings.TrimSpace(field(row, topicCol))

		if text == "" || topic == "" {
			batch = append(batch, nil)

			continue
		}

		c := &models.DocumentCandidate{Text: text, Topic: topic + SocialTopicSuffix}

		if hasDate {
			c.Date = socialDate(strings.TrimSpace(field(row, dateCol)))
		}

		batch = append(batch, c)
	}

	return batch, nil
}

func columnIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))

	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}

		name = strings.ToLower(strings.TrimSpace(name))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}

	return cols
}

func field(row []string, i int) string {
	if i >= len(row) {
		return ""
	}

	return row[i]
}

// socialDate parses a scraped datetime. Empty means undated; anything unreadable
// falls back to the ingestion time.
func socialDate(value string) *time.Time {
	if value == "" {
		return nil
	}

	if strings.Contains(value, "/") {
		if t, err := time.Parse(socialDateLayout, value); err == nil {
			return &t
		}
	} else if t, ok := parseDate(value); ok {
		return &t
	}

	t := now().UTC().Truncate(time.Minute)

	return &t
}

func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}
