package store

import (
	"context"
	"log/slog"

	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
)

// Audit operations.
const (
	AuditSessionInit      = "session.init"
	AuditSessionKeepAlive = "session.keepalive"
	AuditSessionTerminate = "session.terminate"
	AuditInvoiceSend      = "invoice.send"
	AuditInvoiceStatus    = "invoice.status"
	AuditInvoiceUpo       = "invoice.upo"
	AuditQueueExpired     = "queue.expired"
)

// Auditor appends best-effort audit entries. A nil *Auditor records nothing.
type Auditor struct {
	store  AuditStore
	logger *slog.Logger
}

func NewAuditor(store AuditStore, logger *slog.Logger) *Auditor {
	return &Auditor{store: store, logger: logger}
}

// Record stores the entry with payload in canonical JSON form. Failures are logged and
// otherwise ignored.
func (a *Auditor) Record(ctx context.Context, operation, entityID string, success bool, payload map[string]any) {
	if a == nil || a.store == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}

	canonical, err := crypto.CanonicalJSON(payload)
	if err != nil {
		a.logger.Warn("audit payload rejected",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return
	}

	entry := &AuditEntry{
		Operation: operation,
		EntityID:  entityID,
		Success:   success,
		Payload:   canonical,
	}
	if err := a.store.AppendAudit(ctx, entry); err != nil {
		a.logger.Warn("failed to write audit entry",
			slog.String("operation", operation),
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()),
		)
	}
}
