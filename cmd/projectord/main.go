// Command projectord tails the permissioned ledger's committed-event
// stream and applies idempotent projections to the read model.
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
	"github.com/qirat-network/custodian-core/internal/projector"
	"github.com/qirat-network/custodian-core/internal/readmodel"
)

const readerIdentity = "org1-partner-api"

func main() {
	if err := run(); err != nil {
		log.Fatalf("projectord: %v", err)
	}
}

func run() error {
	cfg, err := platformconfig.FromEnv("projectord")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := obslog.Setup("projectord", cfg.Environment)

	shutdownTelemetry, err := obstel.Init(context.Background(), obstel.Config{
		ServiceName: "projectord",
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
	if err := projector.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate projector: %w", err)
	}
	if err := readmodel.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate readmodel: %w", err)
	}
	if err := outbox.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}

	identity, ok := cfg.Identities[readerIdentity]
	if !ok {
		return fmt.Errorf("projectord: no %s identity configured for event streaming", readerIdentity)
	}

	registry := gatewayclient.NewRegistry(gatewayclient.ChannelConfig{
		ChannelName:   cfg.ChannelName,
		ChaincodeName: cfg.ChaincodeName,
		KeepAlive:     30 * time.Second,
	})
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	client, err := registry.Connect(connectCtx, readerIdentity, gatewayclient.IdentityEndpoint{
		PeerEndpoint: identity.PeerEndpoint,
		TLS: gatewayclient.IdentityTLS{
			CertPath:   identity.CertPath,
			KeyPath:    identity.KeyPath,
			CACertPath: identity.CACertPath,
			ServerName: identity.TLSServerOverride,
		},
	})
	cancelConnect()
	if err != nil {
		return fmt.Errorf("connect event reader identity: %w", err)
	}
	defer func() { _ = registry.Close() }()

	worker := projector.New(db, "readmodel", client, logger)

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
		Handler:      otelhttp.NewHandler(router, "projectord"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	httpErrs := make(chan error, 1)
	go func() {
		logger.Info("projectord: metrics/health listening", slog.String("addr", httpServer.Addr))
		httpErrs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("projectord: shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if err := <-workerErrs; err != nil {
			return fmt.Errorf("projector stopped with error: %w", err)
		}
		return nil
	case err := <-workerErrs:
		if err != nil {
			return fmt.Errorf("projector stopped with error: %w", err)
		}
		return nil
	case err := <-httpErrs:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server stopped with error: %w", err)
		}
		return nil
	}
}
