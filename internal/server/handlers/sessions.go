package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/logger"
	"github.com/information-sharing-networks/ksef-gateway/internal/server/respond"
	"github.com/information-sharing-networks/ksef-gateway/internal/session"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// Sessions manages authority sessions. *session.Manager implements it.
type Sessions interface {
	InitiateSession(ctx context.Context, tenant, taxID string) (*store.Session, error)
	TerminateSession(ctx context.Context, id uuid.UUID) error
	KeepAliveStale(ctx context.Context, after time.Duration) (session.KeepAliveReport, error)
	PurgeExpired(ctx context.Context) (int64, error)
	List(ctx context.Context) ([]store.Session, error)
}

type InitSessionRequest struct {
	Tenant string `json:"tenant,omitempty"`

	// NIP defaults to the configured holder NIP.
	NIP string `json:"nip,omitempty"`
}

// SessionResponse never carries the session token.
type SessionResponse struct {
	ID                string     `json:"id"`
	Tenant            string     `json:"tenant,omitempty"`
	NIP               string     `json:"nip"`
	ExpiresAt         time.Time  `json:"expires_at"`
	LastKeepAlive     *time.Time `json:"last_keep_alive,omitempty"`
	ContextIdentifier string     `json:"context_identifier,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func sessionToResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		ID:                s.ID.String(),
		Tenant:            s.Tenant,
		NIP:               s.NIP,
		ExpiresAt:         s.ExpiresAt,
		LastKeepAlive:     s.LastKeepAlive,
		ContextIdentifier: s.ContextIdentifier,
		CreatedAt:         s.CreatedAt,
	}
}

// HandleListSessions godoc
//
//	@Summary	List unexpired sessions, latest expiry first
//	@Tags		Sessions
//	@Produce	json
//	@Success	200	{array}	SessionResponse
//	@Router		/v1/sessions [get]
func HandleListSessions(sessions Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := sessions.List(r.Context())
		if err != nil {
			respond.RespondWithErrorResponse(w, r, typed(err, "failed to list sessions"))
			return
		}
		out := make([]SessionResponse, 0, len(list))
		for i := range list {
			out = append(out, sessionToResponse(&list[i]))
		}
		respond.RespondWithJSONPayload(w, http.StatusOK, out)
	}
}

// HandleInitSession godoc
//
//	@Summary		Open a new KSeF session
//	@Description	Runs the challenge handshake. An empty body opens a session for the holder NIP.
//	@Tags			Sessions
//	@Accept			json
//	@Produce		json
//	@Param			session	body		InitSessionRequest	false	"Session"
//	@Success		201		{object}	SessionResponse
//	@Failure		400		{object}	respond.ErrorResponse	"Invalid NIP"
//	@Failure		502		{object}	respond.ErrorResponse	"KSeF unavailable"
//	@Router			/v1/sessions [post]
func HandleInitSession(sessions Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InitSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respond.RespondWithErrorResponse(w, r, respond.WrapMalformedRequestError(err, "invalid request body"))
			return
		}

		s, err := sessions.InitiateSession(r.Context(), req.Tenant, req.NIP)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, err)
			return
		}
		logger.ContextWithLogAttrs(r.Context(), slog.String("session_id", s.ID.String()))
		respond.RespondWithJSONPayload(w, http.StatusCreated, sessionToResponse(s))
	}
}

// HandleTerminateSession godoc
//
//	@Summary		Terminate a session
//	@Description	The local record is deleted even when KSeF cannot be reached.
//	@Tags			Sessions
//	@Param			id	path	string	true	"Session ID"
//	@Success		204
//	@Failure		404	{object}	respond.ErrorResponse
//	@Router			/v1/sessions/{id} [delete]
func HandleTerminateSession(sessions Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			respond.RespondWithErrorResponse(w, r, respond.WrapMalformedRequestError(err, "invalid session id"))
			return
		}
		if err := sessions.TerminateSession(r.Context(), id); err != nil {
			respond.RespondWithErrorResponse(w, r, err)
			return
		}
		respond.RespondWithStatusCodeOnly(w, http.StatusNoContent)
	}
}
