package testutil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/information-sharing-networks/ksef-gateway/internal/services"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FakeRegistry answers buyer NIP checks from a fixed table. Unknown NIPs are active.
type FakeRegistry struct {
	mu       sync.Mutex
	inactive map[string]string
	checked  []string
}

func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{inactive: map[string]string{}}
}

// MarkInactive makes nip fail the check with reason.
func (r *FakeRegistry) MarkInactive(nip, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inactive[nip] = reason
}

func (r *FakeRegistry) CheckTaxIDActive(ctx context.Context, taxID string) services.NIPCheck {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checked = append(r.checked, taxID)
	if reason, ok := r.inactive[taxID]; ok {
		return services.NIPCheck{Active: false, Checked: true, Reason: reason}
	}
	return services.NIPCheck{Active: true, Checked: true}
}

// Checked returns the identifiers looked up so far.
func (r *FakeRegistry) Checked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.checked...)
}

// RecordingNotifier keeps every rejection it is given.
type RecordingNotifier struct {
	mu         sync.Mutex
	rejections []services.Rejection

	// Fail makes NotifyRejection return an error after recording.
	Fail bool
}

func (n *RecordingNotifier) NotifyRejection(ctx context.Context, r services.Rejection) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejections = append(n.rejections, r)
	if n.Fail {
		return errors.New("smtp relay unavailable")
	}
	return nil
}

func (n *RecordingNotifier) Rejections() []services.Rejection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]services.Rejection(nil), n.rejections...)
}
