package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/information-sharing-networks/ksef-gateway/internal/server/respond"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// QueueLister lists retry queue entries. *queue.Queue implements it.
type QueueLister interface {
	List(ctx context.Context, limit int) ([]store.PendingSend, error)
}

type PendingSendResponse struct {
	SubmissionID  string    `json:"submission_id"`
	LastError     string    `json:"last_error"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	AttemptCount  int       `json:"attempt_count"`
	QueuedAt      time.Time `json:"queued_at"`
}

// HandleListQueue godoc
//
//	@Summary		List the retry queue
//	@Description	Entries are ordered as the next drain would process them.
//	@Tags			Queue
//	@Produce		json
//	@Success		200	{array}	PendingSendResponse
//	@Router			/v1/queue [get]
func HandleListQueue(q QueueLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := q.List(r.Context(), 0)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, typed(err, "failed to list queue"))
			return
		}
		out := make([]PendingSendResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, PendingSendResponse{
				SubmissionID:  e.SubmissionID.String(),
				LastError:     e.LastError,
				LastAttemptAt: e.LastAttemptAt,
				AttemptCount:  e.AttemptCount,
				QueuedAt:      e.QueuedAt,
			})
		}
		respond.RespondWithJSONPayload(w, http.StatusOK, out)
	}
}
