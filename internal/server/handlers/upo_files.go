package handlers

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/reconcile"
	"github.com/information-sharing-networks/ksef-gateway/internal/server/respond"
)

// archived receipt names are produced by reconcile.ArchiveFileName.
var receiptNamePattern = regexp.MustCompile(`^UPO_[A-Za-z0-9_-]+\.(xml|pdf|bin)$`)

// HandleUpoFile godoc
//
//	@Summary		Download an archived receipt (UPO)
//	@Description	Serves receipts stored by the upo endpoint. Returns 404 when no archive is configured.
//	@Tags			Invoices
//	@Produce		xml
//	@Param			name	path	string	true	"File name, e.g. UPO_FV_1_2026_UID.xml"
//	@Success		200
//	@Failure		404	{object}	respond.ErrorResponse
//	@Router			/v1/upo-files/{name} [get]
func HandleUpoFile(archive reconcile.Archive) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if archive == nil {
			respond.RespondWithErrorResponse(w, r, ksef.NewNotFoundError("receipt archive is not configured"))
			return
		}
		if !receiptNamePattern.MatchString(name) {
			respond.RespondWithErrorResponse(w, r, respond.NewMalformedRequestError("invalid receipt file name"))
			return
		}

		data, err := archive.Read(r.Context(), name)
		if errors.Is(err, reconcile.ErrReceiptNotFound) {
			respond.RespondWithErrorResponse(w, r, ksef.NewNotFoundError("receipt not found"))
			return
		}
		if err != nil {
			respond.RespondWithErrorResponse(w, r, ksef.WrapInternalError(err, "failed to read receipt"))
			return
		}

		w.Header().Set("Content-Type", reconcile.ContentType(name))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
