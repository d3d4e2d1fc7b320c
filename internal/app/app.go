// Package app wires the gateway components from configuration. It is shared by the HTTP service
// and the operator CLI so both drive the same pipeline.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/information-sharing-networks/ksef-gateway/internal/config"
	"github.com/information-sharing-networks/ksef-gateway/internal/delivery"
	"github.com/information-sharing-networks/ksef-gateway/internal/invoice"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/queue"
	"github.com/information-sharing-networks/ksef-gateway/internal/reconcile"
	"github.com/information-sharing-networks/ksef-gateway/internal/services"
	"github.com/information-sharing-networks/ksef-gateway/internal/session"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
	"github.com/information-sharing-networks/ksef-gateway/internal/version"
)

type App struct {
	Config     *config.ServerEnvironment
	Logger     *slog.Logger
	Store      store.Store
	Services   *services.Services
	Client     *ksef.Client
	Auditor    *store.Auditor
	Sessions   *session.Manager
	Renderer   *invoice.Renderer
	Queue      *queue.Queue
	Pipeline   *delivery.Pipeline
	Drainer    *queue.Drainer
	Reconciler *reconcile.Reconciler
	Archive    reconcile.Archive
}

type Option func(*options)

type options struct {
	store     store.Store
	services  *services.Services
	clientOps []ksef.Option
}

// WithStore uses s instead of the store selected by DATABASE_URL.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithServices replaces the registry and notifier built from configuration.
func WithServices(s *services.Services) Option {
	return func(o *options) { o.services = s }
}

// WithClientOptions appends options to the authority client.
func WithClientOptions(opts ...ksef.Option) Option {
	return func(o *options) { o.clientOps = append(o.clientOps, opts...) }
}

// New builds every component. The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.ServerEnvironment, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}

	s, err := openStore(ctx, cfg, logger, o.store)
	if err != nil {
		return nil, err
	}
	a.Store = s

	a.Services = o.services
	if a.Services == nil {
		a.Services = services.NewServices(cfg, logger)
	}

	archive, err := newArchive(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Archive = archive

	clientOpts := append([]ksef.Option{
		ksef.WithTimeout(cfg.KsefHTTPTimeout),
		ksef.WithRateLimit(cfg.KsefRequestsPerSec, cfg.KsefRequestBurst),
	}, o.clientOps...)
	a.Client = ksef.NewClient(cfg.KsefURL(), logger, clientOpts...)

	a.Auditor = store.NewAuditor(s, logger)

	sessionOpts := []session.Option{session.WithAuditor(a.Auditor)}
	if cfg.KsefAuthToken != "" {
		sessionOpts = append(sessionOpts, session.WithCredential(cfg.KsefAuthToken))
	}
	a.Sessions = session.NewManager(a.Client, s, cfg.KsefNIP, logger, sessionOpts...)

	a.Renderer = invoice.NewRenderer(Seller(cfg),
		invoice.WithSystemInfo("ksef-gateway "+version.Get().Version),
	)
	a.Queue = queue.NewQueue(s, logger)

	a.Pipeline = delivery.NewPipeline(delivery.Deps{
		Sessions:    a.Sessions,
		Sender:      a.Client,
		Registry:    a.Services.Registry,
		Renderer:    a.Renderer,
		Submissions: s,
		Batches:     s,
		Queue:       a.Queue,
		Notifier:    a.Services.Notifier,
	}, logger, delivery.WithAuditor(a.Auditor))

	a.Drainer = queue.NewDrainer(a.Queue, a.Pipeline, s, a.Services.Notifier, logger,
		queue.WithEntryTTL(cfg.KsefQueueEntryTTL),
		queue.WithDrainAuditor(a.Auditor),
	)

	reconcileOpts := []reconcile.Option{reconcile.WithAuditor(a.Auditor)}
	if archive != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithArchive(archive))
	}
	a.Reconciler = reconcile.NewReconciler(a.Sessions, a.Client, s, a.Services.Notifier, logger, reconcileOpts...)

	logger.Info("gateway initialised",
		slog.String("ksef_env", cfg.KsefEnv),
		slog.String("ksef_url", cfg.KsefURL()),
		slog.String("nip", cfg.MaskedNIP()),
		slog.Bool("archive", archive != nil),
		slog.Bool("postgres", cfg.DatabaseURL != "" && o.store == nil),
	)
	return a, nil
}

// Close releases the store.
func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
}

// Seller is the invoice issuer described by the SELLER_* settings.
func Seller(cfg *config.ServerEnvironment) invoice.Seller {
	return invoice.Seller{
		NIP:        cfg.KsefNIP,
		Name:       cfg.SellerName,
		Address:    cfg.SellerAddress,
		PostalCode: cfg.SellerPostalCode,
		City:       cfg.SellerCity,
		Email:      cfg.SellerEmail,
		Phone:      cfg.SellerPhone,
	}
}

func openStore(ctx context.Context, cfg *config.ServerEnvironment, logger *slog.Logger, override store.Store) (store.Store, error) {
	if override != nil {
		return override, nil
	}
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using the in-memory store")
		return store.NewMemory(), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.DatabasePingTimeout)
	defer cancel()

	pool, err := store.Connect(connectCtx, cfg.DatabaseURL, PoolOptions(cfg))
	if err != nil {
		return nil, err
	}
	logger.Info("connected to PostgreSQL")
	return store.NewPostgres(pool), nil
}

// PoolOptions maps the DB_* settings.
func PoolOptions(cfg *config.ServerEnvironment) store.PoolOptions {
	return store.PoolOptions{
		MaxConns:        cfg.DBMaxConnections,
		MinConns:        cfg.DBMinConnections,
		MaxConnLifetime: cfg.DBMaxConnLifetime,
		MaxConnIdleTime: cfg.DBMaxConnIdleTime,
		ConnectTimeout:  cfg.DBConnectTimeout,
	}
}

// newArchive selects the S3 archive, then the local directory, then none.
func newArchive(ctx context.Context, cfg *config.ServerEnvironment) (reconcile.Archive, error) {
	switch {
	case cfg.UpoS3Bucket != "":
		a, err := reconcile.NewS3Archive(ctx, reconcile.S3Config{
			Bucket:   cfg.UpoS3Bucket,
			Region:   cfg.UpoS3Region,
			Endpoint: cfg.UpoS3Endpoint,
			Prefix:   cfg.UpoS3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure S3 receipt archive: %w", err)
		}
		return a, nil
	case cfg.UpoStorageDir != "":
		return reconcile.NewFileArchive(cfg.UpoStorageDir)
	default:
		return nil, nil
	}
}
