// Package bootstrap wires configuration into the store, notifier and
// services shared by the gateway's binaries.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-command-gateway/internal/client"
	"github.com/pesio-ai/be-command-gateway/internal/platform/config"
	"github.com/pesio-ai/be-command-gateway/internal/platform/database"
	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
	"github.com/pesio-ai/be-command-gateway/internal/repository/memstore"
	"github.com/pesio-ai/be-command-gateway/internal/repository/postgres"
	"github.com/pesio-ai/be-command-gateway/internal/repository/sqlite"
	"github.com/pesio-ai/be-command-gateway/internal/service"
	"github.com/pesio-ai/be-command-gateway/internal/worker"
)

// NewLogger builds the process logger from cfg.
func NewLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
}

// OpenStore opens the store selected by DB_DRIVER. Postgres schemas are
// migrated; SQLite applies its schema on open.
func OpenStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return nil, err
		}
		store := postgres.New(db)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		log.Info().
			Str("host", cfg.Database.Host).
			Str("database", cfg.Database.Database).
			Msg("Database connection established")
		return store, nil

	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.Database.SQLitePath).Msg("SQLite store opened")
		return store, nil

	case config.DriverMemory:
		log.Warn().Msg("Using in-memory store; all state is lost on exit")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

// NewNotifier starts the notification dispatcher. Notifications go to NATS
// when NATS_URL is set and to the log otherwise. The returned close func
// drains the queue and closes the NATS connection.
func NewNotifier(cfg *config.Config, log *logger.Logger) (*client.Dispatcher, func(context.Context), error) {
	var (
		sink client.Sink
		conn *nats.Conn
	)
	if cfg.NATS.URL != "" {
		var err error
		conn, err = client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			return nil, nil, err
		}
		sink = client.NewNATSPublisher(conn, cfg.NATS.SubjectPrefix, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("Publishing notifications to NATS")
	} else {
		sink = client.NewLogSink(log.Logger)
		log.Info().Msg("NATS_URL not set, notifications are logged")
	}

	dispatcher := client.NewDispatcher(sink, client.DispatcherConfig{
		QueueSize: cfg.Notify.QueueSize,
		Workers:   cfg.Notify.Workers,
	}, log.Logger)

	closeFn := func(ctx context.Context) {
		if err := dispatcher.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Notification queue not fully drained")
		}
		if conn != nil {
			conn.Close()
		}
	}
	return dispatcher, closeFn, nil
}

// PolicyOptions converts the POLICY_* settings.
func PolicyOptions(cfg *config.Config) service.PolicyOptions {
	return service.PolicyOptions{
		DefaultThreshold: cfg.Policy.DefaultThreshold,
		ApprovalTTL:      cfg.Policy.ApprovalTTL,
		GraceWindow:      cfg.Policy.GraceWindow,
		ConflictCanary:   cfg.Policy.ConflictCanary,
		Location:         cfg.Policy.Location(),
	}
}

// Services is the decision kernel assembled over one store.
type Services struct {
	Users     *service.UserService
	Rules     *service.RuleService
	Commands  *service.CommandService
	Approvals *service.ApprovalService
	Sweeper   *worker.Sweeper
}

// NewServices wires every service over store. notifier may be nil.
func NewServices(cfg *config.Config, store repository.Store, notifier service.Notifier, log *logger.Logger) *Services {
	opts := PolicyOptions(cfg)
	ledger := service.NewCreditLedger(store)
	executor := service.MockExecutor{}

	approvals := service.NewApprovalService(store, ledger, executor, notifier, opts, log.Component("approvals"))
	return &Services{
		Users:     service.NewUserService(store, log.Component("users")),
		Rules:     service.NewRuleService(store, store, opts, log.Component("rules")),
		Commands:  service.NewCommandService(store, ledger, approvals, executor, opts, log.Component("commands")),
		Approvals: approvals,
		Sweeper:   worker.NewSweeper(approvals, cfg.Scheduler.Interval, log.Component("scheduler")),
	}
}
