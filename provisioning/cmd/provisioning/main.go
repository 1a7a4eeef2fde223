package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/controlplane/common/consumer"
	"github.com/telhawk-systems/controlplane/common/database"
	"github.com/telhawk-systems/controlplane/common/httputil"
	"github.com/telhawk-systems/controlplane/common/ledger"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/messaging"
	"github.com/telhawk-systems/controlplane/provisioning/internal/config"
	"github.com/telhawk-systems/controlplane/provisioning/internal/handler"
	"github.com/telhawk-systems/controlplane/provisioning/internal/store"

	sharedconfig "github.com/telhawk-systems/controlplane/common/config"
	natsclient "github.com/telhawk-systems/controlplane/common/messaging/nats"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("provisioning exited", logging.Error(err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service(handler.Consumer))
	logging.SetDefault(logger)

	logger.Info("Starting provisioning service",
		slog.Int("port", cfg.Server.Port),
		slog.String("queue", cfg.Consumer.Queue),
		slog.Int("workers", cfg.Consumer.Workers),
		slog.String("ledger", cfg.Ledger.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg := cfg.Database.Postgres
	if cfg.Database.Migrations.Enabled {
		res, err := database.Migrate(cfg.Database.Migrations.Source, pg.ConnString(), cfg.Database.Migrations.Table)
		if err != nil {
			return err
		}
		logger.Info("Database migrations applied", slog.Uint64("version", uint64(res.Version)), slog.Bool("changed", res.Changed))
	}

	pool, err := database.NewPool(ctx, pg)
	if err != nil {
		return err
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.Ledger.Backend == sharedconfig.LedgerRedis {
		if rdb, err = database.NewRedis(ctx, cfg.Redis); err != nil {
			return err
		}
		defer rdb.Close()
	}

	idem, err := ledger.Open(cfg.Ledger, pool, rdb)
	if err != nil {
		return err
	}
	defer idem.Close()

	conn, err := natsclient.ConnectWithin(ctx, natsclient.ClientConfig(cfg.NATS), cfg.NATS.StartupTimeout, logger)
	if err != nil {
		return err
	}
	broker, err := natsclient.NewBroker(ctx, conn, natsclient.BrokerOptions(cfg.NATS, cfg.Consumer.RetryCeiling), logger)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to initialize jetstream: %w", err)
	}
	defer broker.Close()
	if err := broker.EnsureQueue(ctx, cfg.Consumer.Queue); err != nil {
		return fmt.Errorf("failed to ensure queue %s: %w", cfg.Consumer.Queue, err)
	}

	tenants := store.NewPostgres(pool)
	h := handler.New(tenants, tenants, logger, handler.WithStaleAfter(cfg.Provisioning.StaleAfter))

	runnerCfg := consumer.DefaultConfig(handler.Consumer, cfg.Consumer.Queue)
	runnerCfg.Workers = cfg.Consumer.Workers
	runnerCfg.HandlerTimeout = cfg.Consumer.HandlerTimeout
	runnerCfg.RetryCeiling = cfg.Consumer.RetryCeiling
	runnerCfg.DrainTimeout = cfg.Consumer.DrainTimeout

	runner, err := consumer.New(runnerCfg, broker, idem, h, logger, consumer.MetricsHook)
	if err != nil {
		return err
	}

	router := httputil.NewRouter(logger, map[string]httputil.ReadinessCheck{
		"broker":   messaging.ReadinessCheck(broker),
		"database": pool.Ping,
		"consumer": runner.Ready,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Ops endpoints listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if err := runner.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("ops server failed", logging.Error(err))
		}
	case <-runner.Done():
		runErr = runner.Err()
	case <-ctx.Done():
	}

	logger.Info("Draining consumer...")
	stopCtx, cancel := context.WithTimeout(context.Background(), runnerCfg.DrainTimeout+runnerCfg.SettleTimeout)
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		logger.Warn("consumer stopped with abandoned deliveries", logging.Error(err))
	}
	if err := srv.Shutdown(stopCtx); err != nil {
		logger.Warn("ops server forced to shutdown", logging.Error(err))
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("Provisioning service stopped")
	return nil
}
