// Command submitterd runs the Outbox Submitter Worker: it drains the
// transactional outbox and submits each command to the permissioned
// ledger through the per-identity gateway client registry.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/qirat-network/custodian-core/internal/gatewayclient"
	"github.com/qirat-network/custodian-core/internal/httpboundary"
	"github.com/qirat-network/custodian-core/internal/obslog"
	"github.com/qirat-network/custodian-core/internal/obstel"
	"github.com/qirat-network/custodian-core/internal/outbox"
	"github.com/qirat-network/custodian-core/internal/platformconfig"
	"github.com/qirat-network/custodian-core/internal/readmodel"
	"github.com/qirat-network/custodian-core/internal/submitter"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("submitterd: %v", err)
	}
}

func run() error {
	cfg, err := platformconfig.FromEnv("submitterd")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := obslog.Setup("submitterd", cfg.Environment)

	shutdownTelemetry, err := obstel.Init(context.Background(), obstel.Config{
		ServiceName: "submitterd",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := outbox.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	if err := readmodel.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate readmodel: %w", err)
	}
	if err := httpboundary.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate idempotency cache: %w", err)
	}

	registry := gatewayclient.NewRegistry(gatewayclient.ChannelConfig{
		ChannelName:   cfg.ChannelName,
		ChaincodeName: cfg.ChaincodeName,
		KeepAlive:     30 * time.Second,
	})
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelConnect()
	for name, identity := range cfg.Identities {
		endpoint := gatewayclient.IdentityEndpoint{
			PeerEndpoint: identity.PeerEndpoint,
			TLS: gatewayclient.IdentityTLS{
				CertPath:   identity.CertPath,
				KeyPath:    identity.KeyPath,
				CACertPath: identity.CACertPath,
				ServerName: identity.TLSServerOverride,
			},
		}
		if _, err := registry.Connect(connectCtx, name, endpoint); err != nil {
			return fmt.Errorf("connect identity %s: %w", name, err)
		}
		logger.Info("submitterd: connected identity", slog.String("identity", name))
	}
	defer func() { _ = registry.Close() }()

	worker := submitter.New(db, cfg.WorkerID, cfg.PollInterval, outbox.Tunables{
		BatchSize:   cfg.BatchSize,
		MaxRetries:  cfg.MaxRetries,
		LockTimeout: cfg.LockTimeout,
	}, submitter.RegistryResolver{Registry: registry}, logger)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerErrs := make(chan error, 1)
	go func() {
		workerErrs <- worker.Run(stopCtx)
	}()

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Use(httpboundary.WithRequestLogging(logger))
	router.Get("/health", httpboundary.HealthHandler(db, registry))
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      otelhttp.NewHandler(router, "submitterd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	httpErrs := make(chan error, 1)
	go func() {
		logger.Info("submitterd: metrics/health listening", slog.String("addr", httpServer.Addr))
		httpErrs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("submitterd: shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.LockTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if err := <-workerErrs; err != nil {
			return fmt.Errorf("worker stopped with error: %w", err)
		}
		return nil
	case err := <-workerErrs:
		if err != nil {
			return fmt.Errorf("worker stopped with error: %w", err)
		}
		return nil
	case err := <-httpErrs:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server stopped with error: %w", err)
		}
		return nil
	}
}
