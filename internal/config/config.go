// Package config loads the gateway configuration.
//
// Values come from, in increasing precedence: Default(), a YAML file named by
// --config or FISCAL_CONFIG, a .env file in the working directory, and
// FISCAL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rezonia/fiscal-gateway/internal/artifact"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/queue"
	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/storage"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FISCAL_"

// Config is the gateway configuration.
type Config struct {
	Environment model.Environment `yaml:"environment"`
	LogLevel    string            `yaml:"log_level"`
	// Location is the time zone used for document timestamps.
	Location string `yaml:"location"`

	Server       ServerConfig               `yaml:"server"`
	Credential   signature.CredentialSource `yaml:"credential"`
	Trust        TrustConfig                `yaml:"trust"`
	Transmission TransmissionConfig         `yaml:"transmission"`
	Catalog      CatalogConfig              `yaml:"catalog"`
	Retry        RetryConfig                `yaml:"retry"`
	Queue        QueueConfig                `yaml:"queue"`
	Database     DatabaseConfig             `yaml:"database"`
	Archive      ArchiveConfig              `yaml:"archive"`
	Monitor      MonitorConfig              `yaml:"monitor"`
	Audit        AuditConfig                `yaml:"audit"`
}

// ServerConfig configures the operations HTTP API.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Debug        bool          `yaml:"debug"`
}

// TrustConfig configures chain and revocation checks of the credential.
type TrustConfig struct {
	RootsDir string `yaml:"roots_dir"`
	SoftFail bool   `yaml:"soft_fail"`
}

// TransmissionConfig configures the authority client.
type TransmissionConfig struct {
	EndpointsFile string        `yaml:"endpoints_file"`
	RootCAFile    string        `yaml:"root_ca_file"`
	Timeout       time.Duration `yaml:"timeout"`
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// CatalogConfig names the external rate table.
type CatalogConfig struct {
	File string `yaml:"file"`
}

// RetryConfig is the backoff policy and the scheduler cadence.
type RetryConfig struct {
	queue.Policy `yaml:",inline"`
	Interval     time.Duration `yaml:"interval"`
}

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// QueueConfig selects the retry queue store.
type QueueConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// DatabaseConfig configures document and dead-letter storage. An empty DSN
// keeps dead letters in memory and disables document persistence.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ArchiveConfig configures the document archive.
type ArchiveConfig struct {
	Root        string        `yaml:"root"`
	Compression string        `yaml:"compression"`
	Retention   time.Duration `yaml:"retention"`
}

// MonitorConfig configures the health loop.
type MonitorConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Cooldown    time.Duration `yaml:"cooldown"`
	ExpiryAlarm time.Duration `yaml:"expiry_alarm"`
	States      []string      `yaml:"states"`
}

// Audit sinks.
const (
	AuditSinkLog   = "log"
	AuditSinkKafka = "kafka"
)

// AuditConfig selects where audit records go.
type AuditConfig struct {
	Sink     string   `yaml:"sink"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: model.EnvironmentHomologation,
		LogLevel:    "info",
		Location:    "America/Sao_Paulo",
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
		Transmission: TransmissionConfig{
			Timeout:   100 * time.Second,
			RateLimit: 5,
			Burst:     5,
		},
		Retry: RetryConfig{
			Policy:   queue.DefaultPolicy(),
			Interval: queue.DefaultInterval,
		},
		Queue: QueueConfig{
			Backend:   QueueMemory,
			KeyPrefix: queue.DefaultRedisPrefix,
		},
		Database: DatabaseConfig{
			Driver: storage.DriverSQLite,
		},
		Archive: ArchiveConfig{
			Root:        "archive",
			Compression: string(artifact.CompressionZstd),
			Retention:   artifact.DefaultRetention,
		},
		Monitor: MonitorConfig{
			Interval:    time.Minute,
			Cooldown:    5 * time.Minute,
			ExpiryAlarm: 30 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Sink:     AuditSinkLog,
			Topic:    "fiscal.audit",
			ClientID: "fiscal-gateway",
		},
	}
}

// Load builds the configuration. An empty path falls back to FISCAL_CONFIG;
// when neither is set only defaults and the environment apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and required combinations.
func (c *Config) Validate() error {
	env, err := model.ParseEnvironment(string(c.Environment))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Environment = env

	switch c.Queue.Backend {
	case QueueMemory:
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("config: queue.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend)
	}

	switch c.Database.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}

	if _, err := artifact.ParseCompression(c.Archive.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch c.Audit.Sink {
	case AuditSinkLog:
	case AuditSinkKafka:
		if len(c.Audit.Brokers) == 0 {
			return fmt.Errorf("config: audit.brokers is required for the kafka sink")
		}
	default:
		return fmt.Errorf("config: unknown audit sink %q", c.Audit.Sink)
	}

	for _, uf := range c.Monitor.States {
		if !model.IsValidState(uf) {
			return fmt.Errorf("config: monitor.states: unknown state %q", uf)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be at least 1")
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c *Config) Redacted() Config {
	out := *c
	if out.Credential.Password != "" {
		out.Credential.Password = "***"
	}
	if out.Queue.RedisPassword != "" {
		out.Queue.RedisPassword = "***"
	}
	if out.Database.DSN != "" {
		out.Database.DSN = "***"
	}
	return out
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays FISCAL_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("ENVIRONMENT", (*string)(&c.Environment))
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("LOCATION", &c.Location)

	e.str("SERVER_ADDRESS", &c.Server.Address)
	e.duration("SERVER_READ_TIMEOUT", &c.Server.ReadTimeout)
	e.duration("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	e.boolean("SERVER_DEBUG", &c.Server.Debug)

	e.str("CREDENTIAL_PKCS12_FILE", &c.Credential.PKCS12File)
	e.str("CREDENTIAL_PASSWORD", &c.Credential.Password)
	e.str("CREDENTIAL_CERT_FILE", &c.Credential.CertFile)
	e.str("CREDENTIAL_KEY_FILE", &c.Credential.KeyFile)

	e.str("TRUST_ROOTS_DIR", &c.Trust.RootsDir)
	e.boolean("TRUST_SOFT_FAIL", &c.Trust.SoftFail)

	e.str("ENDPOINTS_FILE", &c.Transmission.EndpointsFile)
	e.str("ROOT_CA_FILE", &c.Transmission.RootCAFile)
	e.duration("TRANSMISSION_TIMEOUT", &c.Transmission.Timeout)
	e.float("RATE_LIMIT", &c.Transmission.RateLimit)
	e.integer("RATE_BURST", &c.Transmission.Burst)

	e.str("CATALOG_FILE", &c.Catalog.File)

	e.duration("RETRY_BASE_DELAY", &c.Retry.BaseDelay)
	e.duration("RETRY_CAP_DELAY", &c.Retry.CapDelay)
	e.integer("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	e.duration("RETRY_INTERVAL", &c.Retry.Interval)

	e.str("QUEUE_BACKEND", &c.Queue.Backend)
	e.str("REDIS_ADDR", &c.Queue.RedisAddr)
	e.str("REDIS_PASSWORD", &c.Queue.RedisPassword)
	e.integer("REDIS_DB", &c.Queue.RedisDB)

	e.str("DB_DRIVER", &c.Database.Driver)
	e.str("DB_DSN", &c.Database.DSN)

	e.str("ARCHIVE_ROOT", &c.Archive.Root)
	e.str("ARCHIVE_COMPRESSION", &c.Archive.Compression)
	e.duration("ARCHIVE_RETENTION", &c.Archive.Retention)

	e.duration("MONITOR_INTERVAL", &c.Monitor.Interval)
	e.list("MONITOR_STATES", &c.Monitor.States)

	e.str("AUDIT_SINK", &c.Audit.Sink)
	e.list("KAFKA_BROKERS", &c.Audit.Brokers)
	e.str("AUDIT_TOPIC", &c.Audit.Topic)

	return e.err
}

// envReader collects the first conversion error.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: %s%s=%q: %w", EnvPrefix, key, v, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}
