// Command worker runs the escalation scheduler outside the server process.
//
// WORKER_MODE=api (the default) drives the gateway's admin endpoints with
// WORKER_API_KEY and needs no database access. WORKER_MODE=db opens the
// gateway's database directly; it waits for the server's gRPC health check
// so that the schema is in place before the first sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pesio-ai/be-command-gateway/internal/bootstrap"
	"github.com/pesio-ai/be-command-gateway/internal/client"
	"github.com/pesio-ai/be-command-gateway/internal/platform/config"
	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Service.Name += "-worker"
	log := bootstrap.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("mode", cfg.Worker.Mode).Msg("Starting escalation worker")

	switch cfg.Worker.Mode {
	case config.WorkerModeAPI:
		runAPI(ctx, cfg, log)
	case config.WorkerModeDB:
		runDB(ctx, cfg, log)
	}
}

// runAPI sweeps through the gateway's REST surface.
func runAPI(ctx context.Context, cfg *config.Config, log *logger.Logger) {
	if cfg.Worker.APIKey == "" {
		log.Fatal().Msg("WORKER_API_KEY is required in api mode; set it to an admin API key")
	}
	gateway, err := client.NewGatewayClient(
		cfg.Worker.GatewayURL, cfg.Worker.APIKey, cfg.Service.Name,
		cfg.Policy.GraceWindow, cfg.Server.RequestTimeout,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gateway client")
	}
	log.Info().Str("gateway", cfg.Worker.GatewayURL).Msg("Sweeping through the gateway API")

	sweeper := worker.NewSweeper(gateway, cfg.Scheduler.Interval, log.Component("scheduler"))
	if err := sweeper.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduler exited with error")
	}
}

// runDB sweeps against the shared database.
func runDB(ctx context.Context, cfg *config.Config, log *logger.Logger) {
	if cfg.Database.Driver == config.DriverMemory {
		log.Fatal().Msg("WORKER_MODE=db needs a shared database; DB_DRIVER=memory is not supported")
	}

	health, err := client.NewHealthClient(cfg.Worker.ServerAddr, cfg.Service.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create health client")
	}
	waitCtx, cancel := context.WithTimeout(ctx, cfg.Worker.WaitTimeout)
	err = health.WaitServing(waitCtx, "", 2*time.Second)
	cancel()
	health.Close()
	if err != nil {
		log.Fatal().Err(err).Str("server", cfg.Worker.ServerAddr).Msg("Gateway server not ready")
	}
	log.Info().Str("server", cfg.Worker.ServerAddr).Msg("Gateway server is serving")

	store, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	notifier, closeNotifier, err := bootstrap.NewNotifier(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start notifier")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		closeNotifier(shutdownCtx)
	}()

	svc := bootstrap.NewServices(cfg, store, notifier, log)
	if err := svc.Sweeper.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduler exited with error")
	}
}
