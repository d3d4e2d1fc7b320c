package services

import (
	"log/slog"

	"github.com/information-sharing-networks/ksef-gateway/internal/config"
)

// Services aggregates all external service integrations used by the gateway.
type Services struct {
	Registry TaxpayerRegistry
	Notifier Notifier
}

// NewServices creates service implementations based on configuration.
// This is the single entry point for initializing all external service integrations.
func NewServices(cfg *config.ServerEnvironment, logger *slog.Logger) *Services {
	return &Services{
		Registry: NewWhiteListRegistry(cfg.WhiteListURL(), logger, WithRegistryTimeout(cfg.WLAPITimeout)),
		Notifier: NewNotifier(cfg, logger),
	}
}
