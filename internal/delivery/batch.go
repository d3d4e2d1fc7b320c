package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// BatchResult summarises a batch send.
type BatchResult struct {
	BatchID         uuid.UUID         `json:"batch_id"`
	Status          store.BatchStatus `json:"status"`
	ReferenceNumber string            `json:"reference_number,omitempty"`
	Sent            int               `json:"sent"`
	Failed          int               `json:"failed"`
	Queued          int               `json:"queued"`
	Items           []Result          `json:"items"`
}

// SubmitBatch sends submissions sequentially over one session.
//
// Every buyer NIP is checked and every document validated before anything is sent: one failure
// aborts the whole batch, since a partially sent batch cannot be withdrawn. All items must belong
// to one tenant. Items are then classified independently and the batch record gets the aggregate
// status. When a local failure stops the loop, the batch is still recorded with the outcomes so
// far and the error is returned alongside them.
func (p *Pipeline) SubmitBatch(ctx context.Context, ids []uuid.UUID) (BatchResult, error) {
	var out BatchResult
	if len(ids) == 0 {
		return out, ksef.NewValidationError("batch is empty")
	}

	subs := make([]*store.Submission, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return out, ksef.NewValidationError(fmt.Sprintf("submission %s appears twice in the batch", id))
		}
		seen[id] = true

		sub, err := p.load(ctx, id)
		if err != nil {
			return out, err
		}
		if len(subs) > 0 && sub.Tenant != subs[0].Tenant {
			return out, ksef.NewValidationError(fmt.Sprintf(
				"submission %s belongs to tenant %q, the batch to tenant %q", id, sub.Tenant, subs[0].Tenant))
		}
		subs = append(subs, sub)
	}

	for _, sub := range subs {
		if err := p.checkBuyer(ctx, sub); err != nil {
			return out, err
		}
	}

	documents := make([][]byte, len(subs))
	for i, sub := range subs {
		document, err := p.prepare(ctx, sub)
		if err != nil {
			return out, err
		}
		documents[i] = document
	}

	batch := &store.Batch{SubmissionIDs: ids}

	s, sessionErr := p.sessions.GetOrCreateValidSession(ctx, subs[0].Tenant)
	if s != nil {
		batch.SessionID = s.ID
	}

	var loopErr error
	for i, sub := range subs {
		var res Result
		if sessionErr != nil {
			res, loopErr = p.enqueue(ctx, sub, fmt.Sprintf("no session: %v", sessionErr))
		} else {
			res, s, loopErr = p.deliver(ctx, sub, documents[i], s)
		}
		// the authority already answered accepted or rejected items even when recording failed
		if loopErr == nil || res.Outcome != OutcomeQueued {
			if loopErr != nil {
				res.Error = loopErr.Error()
			}
			switch res.Outcome {
			case OutcomeAccepted:
				out.Sent++
				if batch.ReferenceNumber == "" {
					batch.ReferenceNumber = res.ReferenceNumber
				}
			case OutcomeQueued:
				out.Queued++
			case OutcomeRejected:
				out.Failed++
			}
			out.Items = append(out.Items, res)
		}
		if loopErr != nil {
			p.logger.Error("batch stopped",
				slog.String("submission_id", sub.ID.String()),
				slog.Int("done", len(out.Items)),
				slog.Int("total", len(subs)),
				slog.String("error", loopErr.Error()),
			)
			break
		}
	}

	batch.Status = store.AggregateBatchStatus(out.Sent, len(subs))
	if err := p.batches.CreateBatch(ctx, batch); err != nil {
		return out, ksef.WrapInternalError(err, "failed to record batch")
	}

	out.BatchID = batch.ID
	out.Status = batch.Status
	out.ReferenceNumber = batch.ReferenceNumber
	if loopErr != nil {
		return out, loopErr
	}

	p.logger.Info("batch sent",
		slog.String("batch_id", batch.ID.String()),
		slog.String("status", string(batch.Status)),
		slog.Int("sent", out.Sent),
		slog.Int("failed", out.Failed),
		slog.Int("queued", out.Queued),
	)
	return out, nil
}
