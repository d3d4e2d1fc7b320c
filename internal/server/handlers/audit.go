package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/information-sharing-networks/ksef-gateway/internal/server/respond"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

const auditPageSize = 100

type AuditEntryResponse struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	EntityID  string          `json:"entity_id"`
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty" swaggertype:"object"`
	CreatedAt time.Time       `json:"created_at"`
}

// HandleListAudit godoc
//
//	@Summary	List audit entries, newest first
//	@Tags		Audit
//	@Produce	json
//	@Param		entity_id	query	string	false	"Only entries for this submission, session or batch"
//	@Success	200			{array}	AuditEntryResponse
//	@Router		/v1/audit [get]
func HandleListAudit(audit store.AuditStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := audit.ListAudit(r.Context(), r.URL.Query().Get("entity_id"), auditPageSize)
		if err != nil {
			respond.RespondWithErrorResponse(w, r, typed(err, "failed to list audit entries"))
			return
		}
		out := make([]AuditEntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, AuditEntryResponse{
				ID:        e.ID.String(),
				Operation: e.Operation,
				EntityID:  e.EntityID,
				Success:   e.Success,
				Payload:   e.Payload,
				CreatedAt: e.CreatedAt,
			})
		}
		respond.RespondWithJSONPayload(w, http.StatusOK, out)
	}
}
