package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/oddsdesk/roirag/internal/api/response"
	"github.com/oddsdesk/roirag/internal/models"
	"github.com/oddsdesk/roirag/internal/validation"
)

// QueryService answers questions against the document store.
type QueryService interface {
	Query(ctx context.Context, question string) models.QueryResponse
}

// QueryHandler handles POST /v1/query.
type QueryHandler struct {
	service QueryService
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(service QueryService) *QueryHandler {
	return &QueryHandler{service: service}
}

// QueryRequest is the body for POST /v1/query.
type QueryRequest struct {
	Question string `json:"question" validate:"required,max=4000,no_null_bytes"`
}

// Query handles POST /v1/query. Pipeline failures are reported in the body with status
// "error" and the failing stage; only malformed requests get a 4xx.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		response.RespondBadRequest(w, "Invalid request body")

		return
	}

	req.Question = strings.TrimSpace(req.Question)

	if err := validation.ValidateStruct(req); err != nil {
		response.RespondValidationError(w, err.Error(), validation.Details(err))

		return
	}

	response.RespondJSON(w, http.StatusOK, h.service.Query(r.Context(), req.Question))
}
