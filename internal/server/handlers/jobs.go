package handlers

// jobs.go holds the scheduler entry points. Each one is idempotent and is meant to be called by
// an external cron (the service runs no background loop of its own).

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/logger"
	"github.com/information-sharing-networks/ksef-gateway/internal/queue"
	"github.com/information-sharing-networks/ksef-gateway/internal/reconcile"
	"github.com/information-sharing-networks/ksef-gateway/internal/server/respond"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// maxDrainBatch caps the ?max parameter of the retry queue job.
const maxDrainBatch = 500

// Drainer re-sends queued submissions. *queue.Drainer implements it.
type Drainer interface {
	Drain(ctx context.Context, maxBatch int) (queue.DrainReport, error)
}

// Poller refreshes unresolved submissions. *reconcile.Reconciler implements it.
type Poller interface {
	PollPending(ctx context.Context, window time.Duration, limit int) (reconcile.PollReport, error)
}

type PurgeResponse struct {
	Deleted int64 `json:"deleted"`
}

// HandleKeepAliveJob godoc
//
//	@Summary		Keep sessions alive
//	@Description	Calls the session status endpoint for every unexpired session not kept alive within the configured interval.
//	@Tags			Jobs
//	@Produce		json
//	@Success		200	{object}	session.KeepAliveReport
//	@Failure		401	{object}	respond.ErrorResponse
//	@Router			/v1/jobs/keepalive [post]
func HandleKeepAliveJob(sessions Sessions, after time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := sessions.KeepAliveStale(r.Context(), after)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, typed(err, "keep-alive sweep failed"))
			return
		}
		logger.ContextWithLogAttrs(r.Context(),
			slog.Int("refreshed", report.Refreshed),
			slog.Int("failed", report.Failed),
		)
		respond.RespondWithJSONPayload(w, http.StatusOK, report)
	}
}

// HandleRetryQueueJob godoc
//
//	@Summary		Drain the retry queue
//	@Description	Re-sends up to max queued submissions, least recently attempted first.
//	@Tags			Jobs
//	@Produce		json
//	@Param			max	query		int	false	"Entries to process (default KSEF_QUEUE_BATCH_SIZE)"
//	@Success		200	{object}	queue.DrainReport
//	@Failure		400	{object}	respond.ErrorResponse	"Invalid max"
//	@Failure		401	{object}	respond.ErrorResponse
//	@Router			/v1/jobs/retry-queue [post]
func HandleRetryQueueJob(drainer Drainer, defaultBatch int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch := defaultBatch
		if raw := r.URL.Query().Get("max"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxDrainBatch {
				respond.RespondWithErrorResponse(w, r,
					respond.NewMalformedRequestError(fmt.Sprintf("max must be between 1 and %d", maxDrainBatch)))
				return
			}
			batch = n
		}

		report, err := drainer.Drain(r.Context(), batch)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, typed(err, "retry queue drain failed"))
			return
		}
		logger.ContextWithLogAttrs(r.Context(),
			slog.Int("processed", report.Processed),
			slog.Int("remaining", report.Remaining),
		)
		respond.RespondWithJSONPayload(w, http.StatusOK, report)
	}
}

// HandlePollStatusJob godoc
//
//	@Summary		Poll pending verdicts
//	@Description	Refreshes PENDING and VERIFICATION submissions sent within the configured window.
//	@Tags			Jobs
//	@Produce		json
//	@Success		200	{object}	reconcile.PollReport
//	@Failure		401	{object}	respond.ErrorResponse
//	@Router			/v1/jobs/poll-status [post]
func HandlePollStatusJob(poller Poller, window time.Duration, limit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := poller.PollPending(r.Context(), window, limit)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, typed(err, "status poll failed"))
			return
		}
		logger.ContextWithLogAttrs(r.Context(), slog.Int("checked", report.Checked))
		respond.RespondWithJSONPayload(w, http.StatusOK, report)
	}
}

// HandlePurgeSessionsJob godoc
//
//	@Summary	Delete expired local sessions
//	@Tags		Jobs
//	@Produce	json
//	@Success	200	{object}	PurgeResponse
//	@Failure	401	{object}	respond.ErrorResponse
//	@Router		/v1/jobs/purge-sessions [post]
func HandlePurgeSessionsJob(sessions Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := sessions.PurgeExpired(r.Context())
		if err != nil {
			respond.RespondWithErrorResponse(w, r, typed(err, "session purge failed"))
			return
		}
		respond.RespondWithJSONPayload(w, http.StatusOK, PurgeResponse{Deleted: n})
	}
}

// typed keeps errors the response mapper understands and wraps anything else as internal.
func typed(err error, msg string) error {
	var ksefErr *ksef.Error
	var cryptoErr *crypto.CryptoError
	if errors.As(err, &ksefErr) || errors.As(err, &cryptoErr) || errors.Is(err, store.ErrNotFound) {
		return err
	}
	return ksef.WrapInternalError(err, msg)
}
