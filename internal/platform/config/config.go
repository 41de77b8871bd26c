// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers accepted in DB_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Standalone worker modes accepted in WORKER_MODE.
const (
	WorkerModeAPI = "api"
	WorkerModeDB  = "db"
)

// Config is the root configuration.
type Config struct {
	Service   ServiceConfig   `envPrefix:"SERVICE_"`
	Server    ServerConfig    `envPrefix:"SERVER_"`
	Database  DatabaseConfig  `envPrefix:"DB_"`
	NATS      NATSConfig      `envPrefix:"NATS_"`
	Notify    NotifyConfig    `envPrefix:"NOTIFY_"`
	Policy    PolicyConfig    `envPrefix:"POLICY_"`
	Scheduler SchedulerConfig `envPrefix:"SCHEDULER_"`
	Bootstrap BootstrapConfig `envPrefix:"BOOTSTRAP_"`
	Worker    WorkerConfig    `envPrefix:"WORKER_"`
	LogLevel  string          `env:"LOG_LEVEL" envDefault:"info"`
}

type ServiceConfig struct {
	Name        string `env:"NAME" envDefault:"be-command-gateway"`
	Version     string `env:"VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	GRPCPort        int           `env:"GRPC_PORT" envDefault:"9090"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:","`
}

type DatabaseConfig struct {
	Driver      string        `env:"DRIVER" envDefault:"postgres"`
	Host        string        `env:"HOST" envDefault:"localhost"`
	Port        int           `env:"PORT" envDefault:"5432"`
	User        string        `env:"USER" envDefault:"postgres"`
	Password    string        `env:"PASSWORD"`
	Database    string        `env:"NAME" envDefault:"command_gateway"`
	SSLMode     string        `env:"SSLMODE" envDefault:"disable"`
	MaxConns    int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConnTime time.Duration `env:"MAX_CONN_TIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"MAX_IDLE_TIME" envDefault:"30m"`
	HealthCheck time.Duration `env:"HEALTH_CHECK" envDefault:"1m"`
	SQLitePath  string        `env:"SQLITE_PATH" envDefault:"data/gateway.db"`
}

type NATSConfig struct {
	URL           string `env:"URL"`
	SubjectPrefix string `env:"SUBJECT_PREFIX" envDefault:"notifications.gateway"`
}

type NotifyConfig struct {
	QueueSize int `env:"QUEUE_SIZE" envDefault:"256"`
	Workers   int `env:"WORKERS" envDefault:"2"`
}

// PolicyConfig holds the decision kernel's policy defaults.
type PolicyConfig struct {
	DefaultThreshold int           `env:"DEFAULT_THRESHOLD" envDefault:"2"`
	ApprovalTTL      time.Duration `env:"APPROVAL_TTL" envDefault:"10m"`
	GraceWindow      time.Duration `env:"GRACE_WINDOW" envDefault:"60m"`
	ConflictCanary   string        `env:"CONFLICT_CANARY" envDefault:"rm -rf /"`
	Timezone         string        `env:"TIMEZONE" envDefault:"UTC"`
}

type SchedulerConfig struct {
	Enabled  bool          `env:"ENABLED" envDefault:"true"`
	Interval time.Duration `env:"INTERVAL" envDefault:"60s"`
}

type BootstrapConfig struct {
	AdminName string `env:"ADMIN_NAME" envDefault:"admin"`
}

// WorkerConfig configures the standalone scheduler process. In api mode it
// drives the gateway's REST endpoints with an admin key; in db mode it opens
// the gateway's database directly.
type WorkerConfig struct {
	Mode        string        `env:"MODE" envDefault:"api"`
	GatewayURL  string        `env:"GATEWAY_URL" envDefault:"http://localhost:8080"`
	APIKey      string        `env:"API_KEY"`
	ServerAddr  string        `env:"SERVER_ADDR" envDefault:"localhost:9090"`
	WaitTimeout time.Duration `env:"WAIT_TIMEOUT" envDefault:"2m"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case DriverPostgres, DriverSQLite, DriverMemory:
		c.Database.Driver = strings.ToLower(c.Database.Driver)
	default:
		return fmt.Errorf("DB_DRIVER %q: want postgres, sqlite or memory", c.Database.Driver)
	}
	if c.Policy.DefaultThreshold < 1 {
		return fmt.Errorf("POLICY_DEFAULT_THRESHOLD must be positive, got %d", c.Policy.DefaultThreshold)
	}
	if c.Policy.ApprovalTTL <= 0 {
		return fmt.Errorf("POLICY_APPROVAL_TTL must be positive, got %s", c.Policy.ApprovalTTL)
	}
	if c.Policy.GraceWindow < 0 {
		return fmt.Errorf("POLICY_GRACE_WINDOW must not be negative, got %s", c.Policy.GraceWindow)
	}
	if _, err := time.LoadLocation(c.Policy.Timezone); err != nil {
		return fmt.Errorf("POLICY_TIMEZONE %q: %w", c.Policy.Timezone, err)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive, got %s", c.Scheduler.Interval)
	}
	if c.Notify.QueueSize < 1 || c.Notify.Workers < 1 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE and NOTIFY_WORKERS must be positive")
	}
	switch strings.ToLower(c.Worker.Mode) {
	case WorkerModeAPI, WorkerModeDB:
		c.Worker.Mode = strings.ToLower(c.Worker.Mode)
	default:
		return fmt.Errorf("WORKER_MODE %q: want api or db", c.Worker.Mode)
	}
	return nil
}

// Location returns the policy time zone. Validate guarantees it loads.
func (p PolicyConfig) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
