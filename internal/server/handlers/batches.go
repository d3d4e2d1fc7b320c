package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/logger"
	"github.com/information-sharing-networks/ksef-gateway/internal/server/respond"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// recentBatchLimit is the number of batches returned by the list endpoint.
const recentBatchLimit = 50

type BatchRequest struct {
	SubmissionIDs []uuid.UUID `json:"submission_ids"`
}

type BatchResponse struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id,omitempty"`
	SubmissionIDs   []uuid.UUID `json:"submission_ids"`
	ReferenceNumber string      `json:"reference_number,omitempty"`
	Status          string      `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
}

// HandleSubmitBatch godoc
//
//	@Summary		Send several submissions over one session
//	@Description	Every buyer NIP and document is checked first; one failure aborts the batch before anything is sent.
//	@Description	The batch status is SENT, PARTIAL or FAILED.
//	@Tags			Batches
//	@Accept			json
//	@Produce		json
//	@Param			batch	body		BatchRequest	true	"Submission ids"
//	@Success		200		{object}	delivery.BatchResult
//	@Failure		400		{object}	respond.ErrorResponse	"Empty batch, duplicate id or invalid document"
//	@Failure		422		{object}	respond.ErrorResponse	"Inactive buyer NIP"
//	@Router			/v1/batches [post]
func HandleSubmitBatch(sender Sender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.RespondWithErrorResponse(w, r, respond.WrapMalformedRequestError(err, "invalid request body"))
			return
		}

		res, err := sender.SubmitBatch(r.Context(), req.SubmissionIDs)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, err)
			return
		}
		logger.ContextWithLogAttrs(r.Context(),
			slog.String("batch_id", res.BatchID.String()),
			slog.String("batch_status", string(res.Status)),
		)
		respond.RespondWithJSONPayload(w, http.StatusOK, res)
	}
}

// HandleListBatches godoc
//
//	@Summary	List the most recent batches
//	@Tags		Batches
//	@Produce	json
//	@Success	200	{array}	BatchResponse
//	@Router		/v1/batches [get]
func HandleListBatches(batches store.BatchStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := batches.ListBatches(r.Context(), recentBatchLimit)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, ksef.WrapInternalError(err, "failed to list batches"))
			return
		}

		out := make([]BatchResponse, 0, len(list))
		for _, b := range list {
			resp := BatchResponse{
				ID:              b.ID.String(),
				SubmissionIDs:   b.SubmissionIDs,
				ReferenceNumber: b.ReferenceNumber,
				Status:          string(b.Status),
				CreatedAt:       b.CreatedAt,
			}
			if b.SessionID != uuid.Nil {
				resp.SessionID = b.SessionID.String()
			}
			out = append(out, resp)
		}
		respond.RespondWithJSONPayload(w, http.StatusOK, out)
	}
}
