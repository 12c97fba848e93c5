package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Rule fragments for channel c arrive on port 20000 + c*1000 + basePort.
const ruleChannelBase = 20000

// Config holds all control-node configuration
type Config struct {
	Node      NodeConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Join      JoinConfig
	Capture   CaptureConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Admin     AdminConfig
	Telemetry TelemetryConfig
}

// NodeConfig identifies the control node and its wire endpoints
type NodeConfig struct {
	ServiceName        string
	Operation          string
	IngressPort        int
	RuleBasePort       int
	Channel            int
	CommitmentEndpoint string
	ActivationGrace    time.Duration
	LogLevel           string
	LogFormat          string
	Environment        string
}

// WorkerConfig holds service-invocation settings
type WorkerConfig struct {
	RetryCap        int
	RetryBaseDelay  time.Duration
	ServiceEndpoint string
	ServiceTimeout  time.Duration
}

// SchedulerConfig holds dispatch queue settings
type SchedulerConfig struct {
	QueueHighWatermark int
	SweepInterval      time.Duration
}

// JoinConfig holds fork/join coordination settings
type JoinConfig struct {
	DeadlineSkewTolerance time.Duration
}

// CaptureConfig holds journal sink settings
type CaptureConfig struct {
	Backend    string // "bolt", "postgres", "redis", or "none"
	BufferSize int
	Path       string
	Stream     string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     string
	Password string
}

// AdminConfig holds the local inspection API settings
type AdminConfig struct {
	Enabled bool
	Port    int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Node: NodeConfig{
			ServiceName:        getEnv("SERVICE_NAME", serviceName),
			Operation:          getEnv("OPERATION", ""),
			IngressPort:        getEnvInt("INGRESS_PORT", 20001),
			RuleBasePort:       getEnvInt("RULE_BASE_PORT", 1),
			Channel:            getEnvInt("RULE_CHANNEL", 0),
			CommitmentEndpoint: getEnv("COMMITMENT_ENDPOINT", "127.0.0.1:30000"),
			ActivationGrace:    getEnvMillis("RULE_ACTIVATION_GRACE_MS", 2000),
			LogLevel:           getEnv("LOG_LEVEL", "info"),
			LogFormat:          getEnv("LOG_FORMAT", "text"),
			Environment:        getEnv("ENVIRONMENT", "development"),
		},
		Worker: WorkerConfig{
			RetryCap:        getEnvInt("WORKER_RETRY_CAP", 3),
			RetryBaseDelay:  getEnvMillis("RETRY_BASE_DELAY_MS", 50),
			ServiceEndpoint: getEnv("SERVICE_ENDPOINT", ""),
			ServiceTimeout:  getEnvDuration("SERVICE_TIMEOUT", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			QueueHighWatermark: getEnvInt("QUEUE_HIGH_WATERMARK", 1024),
			SweepInterval:      getEnvMillis("DEADLINE_SWEEP_MS", 100),
		},
		Join: JoinConfig{
			DeadlineSkewTolerance: getEnvMillis("JOIN_DEADLINE_SKEW_MS", 500),
		},
		Capture: CaptureConfig{
			Backend:    getEnv("CAPTURE_BACKEND", "bolt"),
			BufferSize: getEnvInt("CAPTURE_BUFFER_SIZE", 4096),
			Path:       getEnv("CAPTURE_PATH", "capture.db"),
			Stream:     getEnv("CAPTURE_STREAM", "meshflow:capture"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "meshflow"),
			User:        getEnv("POSTGRES_USER", "meshflow"),
			Password:    getEnv("POSTGRES_PASSWORD", "meshflow"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 10),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Admin: AdminConfig{
			Enabled: getEnvBool("ADMIN_ENABLED", true),
			Port:    getEnvInt("ADMIN_PORT", 8080),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Node.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.Node.IngressPort < 1 || c.Node.IngressPort > 65535 {
		return fmt.Errorf("invalid ingress port: %d", c.Node.IngressPort)
	}
	if c.Node.Channel < 0 || c.Node.Channel > 9 {
		return fmt.Errorf("invalid rule channel: %d", c.Node.Channel)
	}
	rp := c.RulePort()
	if rp < 1 || rp > 65535 {
		return fmt.Errorf("invalid rule port: %d", rp)
	}
	if c.Worker.RetryCap < 0 {
		return fmt.Errorf("worker retry cap must be >= 0")
	}
	if c.Scheduler.QueueHighWatermark < 1 {
		return fmt.Errorf("queue high watermark must be >= 1")
	}
	if c.Capture.BufferSize < 1 {
		return fmt.Errorf("capture buffer size must be >= 1")
	}
	switch c.Capture.Backend {
	case "bolt", "postgres", "redis", "none":
	default:
		return fmt.Errorf("unknown capture backend: %s", c.Capture.Backend)
	}
	return nil
}

// RulePortFor computes the rule ingress port of a distribution channel.
// Deployment tooling and nodes must agree on this formula.
func RulePortFor(channel, basePort int) int {
	return ruleChannelBase + channel*1000 + basePort
}

// RulePort returns the UDP port rule fragments arrive on.
func (c *Config) RulePort() int {
	return RulePortFor(c.Node.Channel, c.Node.RuleBasePort)
}

// NodeID identifies this control node in commitment ACKs and capture rows.
func (c *Config) NodeID() string {
	return fmt.Sprintf("%s/%s", c.Node.ServiceName, c.Node.Operation)
}

// RedisAddr returns the host:port Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvMillis reads an integer millisecond value, matching the epoch-millis
// convention the wire formats use.
func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}
