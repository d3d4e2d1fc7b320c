package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// ReceiptResult is the outcome of a receipt download.
type ReceiptResult struct {
	SubmissionID uuid.UUID `json:"submission_id"`

	// Locator points at the archived copy when archiving succeeded, the authority URL otherwise.
	// Empty when the authority returned raw content and no archive is configured.
	Locator  string `json:"locator,omitempty"`
	Archived bool   `json:"archived"`
}

// FetchReceipt downloads the receipt of a submission with a resolved authority identifier.
func (r *Reconciler) FetchReceipt(ctx context.Context, id uuid.UUID) (ReceiptResult, error) {
	res := ReceiptResult{SubmissionID: id}

	sub, err := r.load(ctx, id)
	if err != nil {
		return res, err
	}
	if strings.TrimSpace(sub.KsefUID) == "" {
		return res, ksef.NewPreconditionError("submission has no KSeF identifier, refresh its status first")
	}

	s, err := r.sessions.GetOrCreateValidSession(ctx, sub.Tenant)
	if err != nil {
		return res, err
	}

	upo, env := r.authority.InvoiceUpo(ctx, s.Token, sub.KsefUID)
	if !env.OK {
		r.audit.Record(ctx, store.AuditInvoiceUpo, id.String(), false, map[string]any{
			"uid":    sub.KsefUID,
			"status": env.Status,
			"error":  env.Error,
		})
		if env.AuthFailure() {
			r.sessions.Discard(ctx, s)
		}
		return res, env.Err()
	}

	res.Locator = upo.URL
	if len(upo.Content) > 0 && r.archive != nil {
		name := ArchiveFileName(sub.Invoice.Number, sub.KsefUID, upo.Content)
		locator, err := r.archive.Store(ctx, name, upo.Content)
		if err != nil {
			r.logger.Warn("failed to archive receipt, keeping the authority locator",
				slog.String("submission_id", id.String()),
				slog.String("error", err.Error()),
			)
		} else {
			res.Locator = locator
			res.Archived = true
		}
	}

	if res.Locator != "" {
		if err := r.submissions.SetUpoLocator(ctx, id, res.Locator); err != nil {
			return res, ksef.WrapInternalError(err, "failed to record receipt locator")
		}
	}

	r.audit.Record(ctx, store.AuditInvoiceUpo, id.String(), true, map[string]any{
		"uid":      sub.KsefUID,
		"archived": res.Archived,
		"locator":  res.Locator != "",
	})
	r.logger.Info("receipt fetched",
		slog.String("submission_id", id.String()),
		slog.Bool("archived", res.Archived),
	)
	return res, nil
}

// ArchiveFileName builds UPO_<number>_<uid>.<ext> with both parts reduced to safe characters.
// The extension is sniffed from content.
func ArchiveFileName(number, uid string, content []byte) string {
	return "UPO_" + sanitize(number) + "_" + sanitize(uid) + "." + receiptExtension(content)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

func receiptExtension(content []byte) string {
	trimmed := bytes.TrimSpace(content)
	switch {
	case bytes.HasPrefix(trimmed, []byte("%PDF")):
		return "pdf"
	case bytes.HasPrefix(trimmed, []byte("<")):
		return "xml"
	default:
		return "bin"
	}
}
