package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-command-gateway/internal/bootstrap"
	"github.com/pesio-ai/be-command-gateway/internal/handler"
	"github.com/pesio-ai/be-command-gateway/internal/platform/config"
	"github.com/pesio-ai/be-command-gateway/internal/platform/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := bootstrap.NewLogger(cfg)

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("db_driver", cfg.Database.Driver).
		Msg("Starting Command Gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// gRPC health reports NOT_SERVING until the store is ready.
	grpcServer := handler.NewGRPCServer(cfg.Service.Name, log.Logger)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	store, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	notifier, closeNotifier, err := bootstrap.NewNotifier(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start notifier")
	}

	svc := bootstrap.NewServices(cfg, store, notifier, log)

	admin, created, err := svc.Users.EnsureAdmin(ctx, cfg.Bootstrap.AdminName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap admin user")
	}
	if created {
		// Shown once: the key is not retrievable later.
		log.Warn().
			Str("user_id", admin.ID).
			Str("name", admin.Name).
			Str("api_key", admin.APIKey).
			Msg("Bootstrap admin created; store this API key now")
	}

	httpHandler := handler.NewHTTPHandler(
		svc.Users, svc.Rules, svc.Commands, svc.Approvals, svc.Sweeper,
		store, cfg.Server.RequestTimeout, log.Component("http"),
	)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.CORS(cfg.Server.CORSOrigins)(httpHandler.Routes()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		grpcServer.SetServing()
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			return svc.Sweeper.Run(gctx)
		})
	} else {
		log.Info().Msg("In-process scheduler disabled")
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.Stop()
		closeNotifier(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		store.Close()
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}
