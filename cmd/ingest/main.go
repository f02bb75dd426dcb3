// ingest loads a file of documents into the store through the same pipeline the API uses.
// JSON files hold an array of records; CSV files hold scraped social rows, which are embedded
// on the way in.
//
// Usage:
//
//	go run ./cmd/ingest -file ./data/social/nba.csv
//	go run ./cmd/ingest -file ./data/kalshi.json -batch 200
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/oddsdesk/roirag/internal/bootstrap"
	"github.com/oddsdesk/roirag/internal/config"
	"github.com/oddsdesk/roirag/internal/ingest"
	"github.com/oddsdesk/roirag/internal/models"
	"github.com/oddsdesk/roirag/internal/observability"
	"github.com/oddsdesk/roirag/internal/service"
)

const (
	exitSuccess = 0
	exitFailure = 1

	defaultBatchSize = 500
)

var errUnknownFormat = errors.New("unknown format")

func main() {
	os.Exit(run())
}

func run() int {
	var (
		filePath  string
		format    string
		batchSize int
	)

	flag.StringVar(&filePath, "file", "", "path to a .json or .csv file (required)")
	flag.StringVar(&format, "format", "", "json or csv (default: from the file extension)")
	flag.IntVar(&batchSize, "batch", defaultBatchSize, "records per pipeline call")
	flag.Parse()

	if filePath == "" {
		flag.Usage()

		return exitFailure
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)

		return exitFailure
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(observability.NewTraceContextHandler(handler)))

	decode, err := decoderFor(filePath, format)
	if err != nil {
		slog.Error("Cannot pick a decoder", "file", filePath, "error", err)

		return exitFailure
	}

	batch, err := readFile(filePath, decode)
	if err != nil {
		slog.Error("Failed to read input", "file", filePath, "error", err)

		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, db, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open document store", "error", err)

		return exitFailure
	}

	if db != nil {
		defer db.Close()
	}

	embedder, err := bootstrap.NewEmbeddingClient(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create embedding client", "error", err)

		return exitFailure
	}

	pipeline := service.NewPipeline(service.PipelineParams{
		Store:    store,
		Embedder: embedder,
		Config:   bootstrap.PipelineConfig(cfg),
		Logger:   slog.Default(),
	})

	result := ingestInBatches(ctx, pipeline, batch, batchSize)

	slog.Info("Ingest complete",
		"file", filePath,
		"status", result.Status,
		"received", result.Received,
		"inserted", result.Inserted,
		"skipped", result.Skipped,
	)

	fmt.Printf("Inserted %d of %d record(s); skipped %d.\n", result.Inserted, result.Received, result.Skipped)

	for reason, n := range result.SkipReasons {
		fmt.Printf("  %s: %d\n", reason, n)
	}

	if result.Status != models.StatusSuccess {
		slog.Error("Ingest failed", "error", result.Error)

		return exitFailure
	}

	return exitSuccess
}

type decodeFunc func(io.Reader) ([]*models.DocumentCandidate, error)

func decoderFor(path, format string) (decodeFunc, error) {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}

	switch strings.ToLower(format) {
	case "json":
		return ingest.DecodeJSONBatch, nil
	case "csv":
		return ingest.DecodeSocialCSV, nil
	default:
		return nil, fmt.Errorf("%w %q: use -format json or -format csv", errUnknownFormat, format)
	}
}

func readFile(path string, decode decodeFunc) ([]*models.DocumentCandidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return decode(f)
}

type ingester interface {
	Ingest(ctx context.Context, batch []*models.DocumentCandidate) models.IngestResult
}

// ingestInBatches feeds records to the pipeline batchSize at a time and merges the results.
// Skipped record indexes refer to positions in the whole input. It stops at the first failed batch.
func ingestInBatches(
	ctx context.Context, p ingester, records []*models.DocumentCandidate, batchSize int,
) models.IngestResult {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	total := models.IngestResult{Status: models.StatusSuccess}

	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		res := p.Ingest(ctx, records[start:end])

		total.Received += res.Received
		total.Inserted += res.Inserted
		total.Skipped += res.Skipped

		for _, s := range res.SkippedList {
			s.Index += start
			total.SkippedList = append(total.SkippedList, s)
		}

		for reason, n := range res.SkipReasons {
			if total.SkipReasons == nil {
				total.SkipReasons = make(map[string]int)
			}

			total.SkipReasons[reason] += n
		}

		if res.Status != models.StatusSuccess {
			total.Status = res.Status
			total.Error = fmt.Sprintf("records %d-%d: %s", start, end-1, res.Error)

			return total
		}

		slog.Info("batch ingested", "from", start, "to", end-1, "inserted", res.Inserted, "skipped", res.Skipped)
	}

	return total
}
