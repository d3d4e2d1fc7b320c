package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/delivery"
	"github.com/information-sharing-networks/ksef-gateway/internal/invoice"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/logger"
	"github.com/information-sharing-networks/ksef-gateway/internal/reconcile"
	"github.com/information-sharing-networks/ksef-gateway/internal/server/respond"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// Sender sends submissions. *delivery.Pipeline implements it.
type Sender interface {
	SubmitOne(ctx context.Context, id uuid.UUID) (delivery.Result, error)
	SubmitBatch(ctx context.Context, ids []uuid.UUID) (delivery.BatchResult, error)
}

// Reconciler follows sent submissions. *reconcile.Reconciler implements it.
type Reconciler interface {
	RefreshStatus(ctx context.Context, id uuid.UUID) (reconcile.StatusResult, error)
	FetchReceipt(ctx context.Context, id uuid.UUID) (reconcile.ReceiptResult, error)
}

type CreateInvoiceRequest struct {
	Tenant  string          `json:"tenant,omitempty"`
	Invoice invoice.Invoice `json:"invoice"`
}

type SubmissionResponse struct {
	ID              string          `json:"id"`
	Tenant          string          `json:"tenant,omitempty"`
	Invoice         invoice.Invoice `json:"invoice"`
	Status          string          `json:"status"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	KsefUID         string          `json:"ksef_uid,omitempty"`
	UpoLocator      string          `json:"upo_locator,omitempty"`
	DocumentFrozen  bool            `json:"document_frozen"`
	SentAt          *time.Time      `json:"sent_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func submissionToResponse(s *store.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID:              s.ID.String(),
		Tenant:          s.Tenant,
		Invoice:         s.Invoice,
		Status:          string(s.Status),
		ReferenceNumber: s.ReferenceNumber,
		ErrorMessage:    s.ErrorMessage,
		KsefUID:         s.KsefUID,
		UpoLocator:      s.UpoLocator,
		DocumentFrozen:  len(s.Document) > 0,
		SentAt:          s.SentAt,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// HandleCreateInvoice godoc
//
//	@Summary		Create a submission
//	@Description	Stores an invoice for later sending. Nothing is sent to KSeF.
//	@Tags			Invoices
//	@Accept			json
//	@Produce		json
//	@Param			invoice	body		CreateInvoiceRequest	true	"Invoice"
//	@Success		201		{object}	SubmissionResponse
//	@Failure		400		{object}	respond.ErrorResponse	"Invalid invoice"
//	@Router			/v1/invoices [post]
func HandleCreateInvoice(submissions store.SubmissionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateInvoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.RespondWithErrorResponse(w, r, respond.WrapMalformedRequestError(err, "invalid request body"))
			return
		}
		if err := req.Invoice.Check(); err != nil {
			respond.RespondWithErrorResponse(w, r, ksef.WrapValidationError(err, "invalid invoice"))
			return
		}

		sub := &store.Submission{Tenant: req.Tenant, Invoice: req.Invoice}
		if err := submissions.CreateSubmission(r.Context(), sub); err != nil {
			respond.RespondWithErrorResponse(w, r, ksef.WrapInternalError(err, "failed to create submission"))
			return
		}

		logger.ContextWithLogAttrs(r.Context(), slog.String("submission_id", sub.ID.String()))
		respond.RespondWithJSONPayload(w, http.StatusCreated, submissionToResponse(sub))
	}
}

// HandleGetInvoice godoc
//
//	@Summary	Get a submission
//	@Tags		Invoices
//	@Produce	json
//	@Param		id	path		string	true	"Submission ID"
//	@Success	200	{object}	SubmissionResponse
//	@Failure	404	{object}	respond.ErrorResponse
//	@Router		/v1/invoices/{id} [get]
func HandleGetInvoice(submissions store.SubmissionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := submissionID(w, r)
		if !ok {
			return
		}
		sub, err := submissions.GetSubmission(r.Context(), id)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, err)
			return
		}
		respond.RespondWithJSONPayload(w, http.StatusOK, submissionToResponse(sub))
	}
}

// HandleSendInvoice godoc
//
//	@Summary		Send a submission to KSeF
//	@Description	Checks the buyer NIP, renders and validates the document and sends it.
//	@Description	The outcome is ACCEPTED_FOR_PROCESSING, QUEUED (KSeF unreachable, retried by the queue job) or REJECTED.
//	@Tags			Invoices
//	@Produce		json
//	@Param			id	path		string	true	"Submission ID"
//	@Success		200	{object}	delivery.Result
//	@Failure		400	{object}	respond.ErrorResponse	"Document failed validation"
//	@Failure		409	{object}	respond.ErrorResponse	"Already sent or rejected"
//	@Failure		422	{object}	respond.ErrorResponse	"Inactive buyer NIP"
//	@Router			/v1/invoices/{id}/send [post]
func HandleSendInvoice(sender Sender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := submissionID(w, r)
		if !ok {
			return
		}
		res, err := sender.SubmitOne(r.Context(), id)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, err)
			return
		}
		logger.ContextWithLogAttrs(r.Context(),
			slog.String("submission_id", id.String()),
			slog.String("outcome", string(res.Outcome)),
		)
		respond.RespondWithJSONPayload(w, http.StatusOK, res)
	}
}

// HandleRefreshStatus godoc
//
//	@Summary	Poll the KSeF verdict of a sent submission
//	@Tags		Invoices
//	@Produce	json
//	@Param		id	path		string	true	"Submission ID"
//	@Success	200	{object}	reconcile.StatusResult
//	@Failure	409	{object}	respond.ErrorResponse	"Not sent yet"
//	@Router		/v1/invoices/{id}/status [post]
func HandleRefreshStatus(reconciler Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := submissionID(w, r)
		if !ok {
			return
		}
		res, err := reconciler.RefreshStatus(r.Context(), id)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, err)
			return
		}
		respond.RespondWithJSONPayload(w, http.StatusOK, res)
	}
}

// HandleFetchReceipt godoc
//
//	@Summary		Download the official receipt (UPO)
//	@Description	The receipt is archived when an archive is configured; the locator then points at the archived copy.
//	@Tags			Invoices
//	@Produce		json
//	@Param			id	path		string	true	"Submission ID"
//	@Success		200	{object}	reconcile.ReceiptResult
//	@Failure		409	{object}	respond.ErrorResponse	"No KSeF identifier yet"
//	@Router			/v1/invoices/{id}/upo [post]
func HandleFetchReceipt(reconciler Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := submissionID(w, r)
		if !ok {
			return
		}
		res, err := reconciler.FetchReceipt(r.Context(), id)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, err)
			return
		}
		respond.RespondWithJSONPayload(w, http.StatusOK, res)
	}
}

func submissionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		respond.RespondWithErrorResponse(w, r, respond.WrapMalformedRequestError(err, "invalid submission id"))
		return uuid.Nil, false
	}
	return id, true
}
