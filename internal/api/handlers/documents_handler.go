package handlers

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/oddsdesk/roirag/internal/api/response"
	"github.com/oddsdesk/roirag/internal/ingest"
	"github.com/oddsdesk/roirag/internal/models"
	"github.com/oddsdesk/roirag/internal/ragerrors"
)

// DocumentsService ingests and counts documents.
type DocumentsService interface {
	Ingest(ctx context.Context, batch []*models.DocumentCandidate) models.IngestResult
	Count(ctx context.Context) (int64, error)
}

// DocumentsHandler handles the /v1/documents endpoints.
type DocumentsHandler struct {
	service DocumentsService
}

// NewDocumentsHandler creates a new documents handler.
func NewDocumentsHandler(service DocumentsService) *DocumentsHandler {
	return &DocumentsHandler{service: service}
}

// CountResponse is the body for GET /v1/documents/count.
type CountResponse struct {
	Count int64 `json:"count"`
}

// Ingest handles POST /v1/documents. The body is a JSON array of records, or social
// rows when Content-Type is text/csv. The IngestResult is returned with 200 even when
// the batch failed; Status and Error in the body say so.
func (h *DocumentsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	decode := ingest.DecodeJSONBatch

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil {
			response.RespondBadRequest(w, "Invalid Content-Type")

			return
		}

		switch mediaType {
		case "application/json":
		case "text/csv":
			decode = ingest.DecodeSocialCSV
		default:
			response.RespondError(w, http.StatusUnsupportedMediaType, "Unsupported Media Type",
				"expected application/json or text/csv")

			return
		}
	}

	batch, err := decode(r.Body)
	if err != nil {
		respondDecodeError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, h.service.Ingest(r.Context(), batch))
}

// Count handles GET /v1/documents/count.
func (h *DocumentsHandler) Count(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Count(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "count documents failed", "error", err)
		response.RespondServiceUnavailable(w, "document store unavailable")

		return
	}

	response.RespondJSON(w, http.StatusOK, CountResponse{Count: n})
}

func respondDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ragerrors.ValidationError
	if errors.As(err, &verr) {
		response.RespondBadRequest(w, verr.Error())

		return
	}

	slog.WarnContext(r.Context(), "ingest: could not decode body", "error", err)
	response.RespondBadRequest(w, "Invalid request body")
}
