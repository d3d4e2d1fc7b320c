package handlers

import (
	"net/http"

	"github.com/information-sharing-networks/ksef-gateway/internal/config"
	"github.com/information-sharing-networks/ksef-gateway/internal/server/respond"
)

// ConfigResponse never carries credentials.
type ConfigResponse struct {
	Environment      string `json:"environment"`
	KsefEnv          string `json:"ksef_env"`
	KsefURL          string `json:"ksef_url"`
	NIP              string `json:"nip"`
	AuthTokenSet     bool   `json:"auth_token_set"`
	ArchiveBackend   string `json:"archive_backend"`
	AlertsEnabled    bool   `json:"alerts_enabled"`
	QueueBatchSize   int    `json:"queue_batch_size"`
	QueueEntryTTL    string `json:"queue_entry_ttl"`
	KeepAliveAfter   string `json:"keep_alive_after"`
	StatusPollWindow string `json:"status_poll_window"`
}

// HandleConfig godoc
//
//	@Summary		Show the effective gateway configuration
//	@Description	The holder NIP is masked and secrets are reported only as set or unset.
//	@Tags			Admin
//	@Produce		json
//	@Success		200	{object}	ConfigResponse
//	@Router			/v1/config [get]
func HandleConfig(cfg *config.ServerEnvironment) http.HandlerFunc {
	backend := "none"
	switch {
	case cfg.UpoS3Bucket != "":
		backend = "s3"
	case cfg.UpoStorageDir != "":
		backend = "directory"
	}

	response := ConfigResponse{
		Environment:      cfg.Environment,
		KsefEnv:          cfg.KsefEnv,
		KsefURL:          cfg.KsefURL(),
		NIP:              cfg.MaskedNIP(),
		AuthTokenSet:     cfg.KsefAuthToken != "",
		ArchiveBackend:   backend,
		AlertsEnabled:    cfg.AlertRecipient() != "" && cfg.SMTPHost != "",
		QueueBatchSize:   cfg.KsefQueueBatchSize,
		QueueEntryTTL:    cfg.KsefQueueEntryTTL.String(),
		KeepAliveAfter:   cfg.KsefKeepAliveAfter.String(),
		StatusPollWindow: cfg.KsefStatusPollSince.String(),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		respond.RespondWithJSONPayload(w, http.StatusOK, response)
	}
}
