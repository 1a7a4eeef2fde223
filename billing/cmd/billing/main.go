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

	"github.com/telhawk-systems/controlplane/billing/internal/config"
	"github.com/telhawk-systems/controlplane/billing/internal/ratelimit"
	"github.com/telhawk-systems/controlplane/billing/internal/server"
	"github.com/telhawk-systems/controlplane/billing/internal/webhook"
	"github.com/telhawk-systems/controlplane/billing/pkg/publisher"
	"github.com/telhawk-systems/controlplane/common/database"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/signature"

	natsclient "github.com/telhawk-systems/controlplane/common/messaging/nats"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("billing exited", logging.Error(err))
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
	).With(logging.Service("billing"))
	logging.SetDefault(logger)

	logger.Info("Starting billing service",
		slog.Int("port", cfg.Server.Port),
		slog.String("nats_url", cfg.NATS.URL),
		slog.Any("queues", cfg.Publisher.Queues),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := natsclient.ConnectWithin(ctx, natsclient.ClientConfig(cfg.NATS), cfg.NATS.StartupTimeout, logger)
	if err != nil {
		return err
	}
	broker, err := natsclient.NewBroker(ctx, conn, natsclient.BrokerOptions(cfg.NATS, 0), logger)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to initialize jetstream: %w", err)
	}
	defer broker.Close()

	for _, queue := range cfg.Publisher.Queues {
		if err := broker.EnsureQueue(ctx, queue); err != nil {
			return fmt.Errorf("failed to ensure queue %s: %w", queue, err)
		}
	}

	pub, err := publisher.New(broker, cfg.Publisher.Queues, publisher.RetryPolicy{
		BaseDelay:   cfg.Publisher.BaseDelay,
		MaxDelay:    cfg.Publisher.MaxDelay,
		MaxAttempts: cfg.Publisher.MaxAttempts,
	}, logger)
	if err != nil {
		return err
	}

	var throttle *server.Throttle
	if cfg.RateLimit.Enabled {
		rdb, err := database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		throttle = &server.Throttle{
			Limiter: ratelimit.NewRedis(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window),
			Window:  cfg.RateLimit.Window,
		}
		logger.Info("Webhook rate limiting enabled",
			slog.Int("requests", cfg.RateLimit.Requests),
			slog.Duration("window", cfg.RateLimit.Window),
		)
	}

	signer := signature.NewSigner(cfg.Webhook.Secret, cfg.Webhook.Tolerance)
	router := server.NewRouter(webhook.NewHandler(pub, signer, logger), broker, throttle, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Billing service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
