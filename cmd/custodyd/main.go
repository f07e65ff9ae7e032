package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kodax/koda-custody-engine/internal/alert"
	"github.com/kodax/koda-custody-engine/internal/circuitbreaker"
	"github.com/kodax/koda-custody-engine/internal/classifier"
	"github.com/kodax/koda-custody-engine/internal/config"
	"github.com/kodax/koda-custody-engine/internal/custody"
	"github.com/kodax/koda-custody-engine/internal/ledger"
	"github.com/kodax/koda-custody-engine/internal/monitor"
	"github.com/kodax/koda-custody-engine/internal/originator"
	"github.com/kodax/koda-custody-engine/internal/service"
	"github.com/kodax/koda-custody-engine/internal/store/postgres"
	"github.com/kodax/koda-custody-engine/internal/tracing"
	"github.com/kodax/koda-custody-engine/internal/wallet"
)

const migrationsDir = "internal/store/postgres/migrations"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting custody engine",
		"ledger_rpc", cfg.Ledger.RPCURL,
		"native_symbol", cfg.Ledger.NativeSymbol,
		"min_confirmations", cfg.Ledger.MinConfirmations,
		"tiers", len(cfg.Monitor.Tiers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, "custody-engine", cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	txRepo := postgres.NewTransactionRepo(db)
	walletRepo := postgres.NewWalletRepo(db)

	keys, err := custody.NewVaultKeyStore(custody.Config{
		Address:   cfg.Vault.Address,
		Token:     cfg.Vault.Token,
		MountPath: cfg.Vault.MountPath,
	}, logger)
	if err != nil {
		logger.Error("failed to init key custody", "error", err)
		os.Exit(1)
	}

	adapter := ledger.NewAdapter(ledger.AdapterConfig{
		RPCURL:  cfg.Ledger.RPCURL,
		RPS:     cfg.Ledger.RPS,
		Burst:   cfg.Ledger.Burst,
		Breaker: circuitbreaker.Config{},
	}, logger)

	directory := wallet.NewIndexedDirectory(walletRepo, wallet.IndexConfig{}, logger)
	if err := directory.Warm(ctx); err != nil {
		logger.Error("failed to warm ownership index", "error", err)
		os.Exit(1)
	}
	provisioner := wallet.NewProvisioner(walletRepo, keys, logger)

	clf := classifier.New(adapter, directory, classifier.Config{
		NativeSymbol:     cfg.Ledger.NativeSymbol,
		MinConfirmations: cfg.Ledger.MinConfirmations,
	}, logger)
	origin := originator.New(adapter, keys, txRepo, cfg.Ledger.NativeSymbol, logger)

	var alerters []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	var alerter alert.Alerter
	if len(alerters) > 0 {
		alerter = alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alerters...)
	}

	manager := monitor.NewManager(cfg.Monitor.Tiers, txRepo, adapter, alerter, logger)

	svc := service.New(adapter, clf, txRepo, origin, directory, provisioner, manager, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, svc, logger)
	})

	svc.StartReconciliation(gCtx)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		svc.StopReconciliation()
		logger.Error("custody engine exited with error", "error", err)
		os.Exit(1)
	}

	svc.StopReconciliation()
	logger.Info("custody engine shut down gracefully")
}

func runHealthServer(ctx context.Context, port int, svc *service.Service, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := svc.HealthStatus()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
