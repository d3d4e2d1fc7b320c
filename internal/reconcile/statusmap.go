package reconcile

import (
	"strings"

	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// statusMarker maps a substring of the authority status text to a canonical status.
type statusMarker struct {
	marker string
	status store.SubmissionStatus
}

// statusMarkers is matched in order, case-insensitively. Rejection markers come first so that
// texts like "not accepted" resolve to REJECTED. In-progress markers come before acceptance:
// "Przyjęto fakturę do dalszego przetwarzania" only means the authority took the document for
// processing and a verdict is still to come.
var statusMarkers = []statusMarker{
	{"REJECTED", store.StatusRejected},
	{"ODRZUCON", store.StatusRejected},
	{"NOT ACCEPTED", store.StatusRejected},
	{"NIEPRAWIDŁOW", store.StatusRejected},
	{"DALSZEGO PRZETWARZANIA", store.StatusVerification},
	{"PROCESSING", store.StatusVerification},
	{"ACCEPTED", store.StatusAccepted},
	{"ZAAKCEPTOWAN", store.StatusAccepted},
}

// MapStatus turns the raw status text into ACCEPTED, REJECTED or VERIFICATION. It reports false
// when the authority returned no status at all.
func MapStatus(raw string) (store.SubmissionStatus, bool) {
	text := strings.ToUpper(strings.TrimSpace(raw))
	if text == "" {
		return "", false
	}
	for _, m := range statusMarkers {
		if strings.Contains(text, m.marker) {
			return m.status, true
		}
	}
	return store.StatusVerification, true
}
