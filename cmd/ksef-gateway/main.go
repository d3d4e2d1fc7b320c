package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
	"github.com/information-sharing-networks/ksef-gateway/internal/config"
	"github.com/information-sharing-networks/ksef-gateway/internal/logger"
	"github.com/information-sharing-networks/ksef-gateway/internal/server"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
	"github.com/information-sharing-networks/ksef-gateway/internal/version"
)

//	@title			ksef-gateway
//	@description	ksef-gateway submits structured e-invoices to the Polish National e-Invoice System (KSeF).
//	@description
//	@description	Invoices are created, then sent. A send checks the buyer NIP against the VAT white list,
//	@description	renders and freezes the FA(2) document and submits it over a cached session.
//	@description	When KSeF cannot be reached the submission is queued and re-sent by the retry queue job.
//	@description
//	@description	## Common Error Responses
//	@description	All endpoints may return:
//	@description	- `401` Missing or invalid bearer token
//	@description	- `413` Request body exceeds size limit
//	@description	- `429` Rate limit exceeded
//	@description	- `500` Internal server error
//	@description	- `502` KSeF unavailable
//	@description
//	@description	Individual endpoints document their specific business logic errors.
//	@description
//	@description	## Request Limits
//	@description	All endpoints are protected by:
//	@description	- **Rate limiting**: Configurable requests per second (see env vars) - default 100 rps (set to 0 to disable)
//	@description	- **Request size limits**: Configurable (see env vars) - default 1MB
//	@description
//	@description	## Authentication & Authorization
//	@description
//	@description	The /v1 endpoints require `Authorization: Bearer <API_TOKEN>`.
//	@description	The /v1/jobs endpoints are called by an external scheduler and require `Authorization: Bearer <CRON_SECRET>`.
//	@description	In dev and test environments an unset token disables the check.
//	@description
//	@license.name	MIT

//	@servers.url			http://localhost:8080
//	@servers.description	Development server

//	@accept		json
//	@produce	json

//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization

//	@tag.name			Invoices
//	@tag.description	Create, send and follow invoice submissions

//	@tag.name			Batches
//	@tag.description	Send several submissions over one session

//	@tag.name			Sessions
//	@tag.description	KSeF session management

//	@tag.name			Queue
//	@tag.description	The retry queue of submissions that could not be delivered

//	@tag.name			Jobs
//	@tag.description	Idempotent entry points for the external scheduler (keep-alive, queue drain, status polling)

//	@tag.name			Common
//	@tag.description	Server API endpoints (health, readiness, version)

//	@tag.name			Admin
//	@tag.description	Configuration and audit log

func main() {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "ksef-gateway",
		Short: "KSeF e-invoice submission gateway",
		Long:  `ksef-gateway serves the invoice submission API and the scheduler job endpoints`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(migrateFirst)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "Apply database migrations before serving")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, err := load()
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg, appLogger)
		},
	}
	cmd.AddCommand(migrateCmd)

	v := version.Get()
	cmd.Version = fmt.Sprintf("%s (built %s, commit %s)", v.Version, v.BuildDate, v.GitCommit)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func load() (*config.ServerEnvironment, *slog.Logger, error) {
	cfg, err := config.NewServerConfig()
	if err != nil {
		log.Printf("failed to load configuration: %v", err.Error())
		return nil, nil, err
	}
	return cfg, logger.InitLogger(logger.ParseLogLevel(cfg.LogLevel), cfg.Environment), nil
}

func migrate(ctx context.Context, cfg *config.ServerEnvironment, appLogger *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	dbCtx, dbCancel := context.WithTimeout(ctx, cfg.DatabasePingTimeout)
	defer dbCancel()

	pool, err := store.Connect(dbCtx, cfg.DatabaseURL, app.PoolOptions(cfg))
	if err != nil {
		appLogger.Error("Unable to connect to database", slog.String("error", err.Error()))
		return err
	}
	defer pool.Close()

	return store.Migrate(ctx, pool, appLogger)
}

func run(migrateFirst bool) error {
	cfg, appLogger, err := load()
	if err != nil {
		os.Exit(1)
	}

	appLogger.Info("Configuration loaded",
		slog.String("ENVIRONMENT", cfg.Environment),
		slog.String("HOST", cfg.Host),
		slog.Int("PORT", cfg.Port),
		slog.String("LOG_LEVEL", cfg.LogLevel),
		slog.Bool("DATABASE_URL_SET", cfg.DatabaseURL != ""),
		slog.String("KSEF_ENV", cfg.KsefEnv),
		slog.String("KSEF_URL", cfg.KsefURL()),
		slog.String("KSEF_NIP", cfg.MaskedNIP()),
		slog.Bool("API_TOKEN_SET", cfg.APIToken != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if migrateFirst {
		if err := migrate(ctx, cfg, appLogger); err != nil {
			appLogger.Error("Migration failed", slog.String("error", err.Error()))
			return err
		}
	}

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialise gateway", slog.String("error", err.Error()))
		return err
	}
	defer a.Close()

	appLogger.Info("Starting server", slog.String("version", version.Get().Version))

	if err := server.NewServer(a).Start(ctx); err != nil {
		appLogger.Error("Server error", slog.String("error", err.Error()))
		return err
	}

	appLogger.Info("server shutdown complete")
	return nil
}
