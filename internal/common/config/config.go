// Package config provides configuration management for fleetd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for fleetd.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Task         TaskConfig         `mapstructure:"task"`
	Assignment   AssignmentConfig   `mapstructure:"assignment"`
	File         FileConfig         `mapstructure:"file"`
	Message      MessageConfig      `mapstructure:"message"`
	Health       HealthConfig       `mapstructure:"health"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Sync         SyncConfig         `mapstructure:"sync"`
}

// ServerConfig holds HTTP/WebSocket gateway configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means events are not mirrored to NATS.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint, host:port
	Insecure bool   `mapstructure:"insecure"`
}

// CoordinationConfig holds coordination manager limits.
type CoordinationConfig struct {
	MaxAgents                int `mapstructure:"maxAgents"`
	MaxConcurrentSessions    int `mapstructure:"maxConcurrentSessions"`
	MaxConcurrentTasksPer    int `mapstructure:"maxConcurrentTasksPerAgent"`
	AgentHeartbeatInterval   int `mapstructure:"agentHeartbeatInterval"`   // seconds
	AgentTimeout             int `mapstructure:"agentTimeout"`             // seconds
	MetricsCollectionSeconds int `mapstructure:"metricsCollectionSeconds"` // seconds
	CleanupIntervalSeconds   int `mapstructure:"cleanupIntervalSeconds"`   // seconds
}

// TaskConfig holds task manager configuration.
type TaskConfig struct {
	DefaultTimeout int `mapstructure:"defaultTimeout"` // seconds
	MaxRetries     int `mapstructure:"maxRetries"`
	PriorityLevels int `mapstructure:"priorityLevels"`
}

// AssignmentConfig holds assignment engine configuration.
type AssignmentConfig struct {
	CheckInterval     int     `mapstructure:"checkInterval"` // seconds, reassignment checker cadence
	TimeoutRatio      float64 `mapstructure:"timeoutRatio"`  // elapsed/estimated ratio that triggers reassignment
	HeartbeatInterval int     `mapstructure:"heartbeatInterval"`
	MaxAlternatives   int     `mapstructure:"maxAlternatives"`
}

// FileConfig holds file manager configuration.
type FileConfig struct {
	LockTimeout      int `mapstructure:"lockTimeout"`      // seconds
	MaxLocksPerAgent int `mapstructure:"maxLocksPerAgent"` //
	BackupRetention  int `mapstructure:"backupRetention"`  // seconds
	ChangeHistory    int `mapstructure:"changeHistory"`    // per-path ring size
	SnapshotDepth    int `mapstructure:"snapshotDepth"`    // per-path ring size
	SweepInterval    int `mapstructure:"sweepInterval"`    // seconds, expired lock sweeper
}

// MessageConfig holds message bus configuration.
type MessageConfig struct {
	QueueSize       int `mapstructure:"queueSize"`       // per-agent offline queue cap
	RetryAttempts   int `mapstructure:"retryAttempts"`   //
	Timeout         int `mapstructure:"timeout"`         // seconds
	SweepInterval   int `mapstructure:"sweepInterval"`   // seconds, offline queue redelivery
	HeartbeatSweep  int `mapstructure:"heartbeatSweep"`  // seconds, stale connection sweeper
	CacheTTLSeconds int `mapstructure:"cacheTtlSeconds"` // search cache TTL
}

// HealthConfig holds health monitor configuration.
type HealthConfig struct {
	Interval          int `mapstructure:"interval"`      // seconds between probes
	Timeout           int `mapstructure:"timeout"`       // seconds per probe
	RetryAttempts     int `mapstructure:"retryAttempts"` //
	RetryDelay        int `mapstructure:"retryDelay"`    // seconds
	FailureThreshold  int `mapstructure:"failureThreshold"`
	RecoveryThreshold int `mapstructure:"recoveryThreshold"`
	MaxErrorHistory   int `mapstructure:"maxErrorHistory"`
}

// WorkflowConfig holds workflow orchestrator configuration.
type WorkflowConfig struct {
	MaxSteps     int `mapstructure:"maxSteps"`
	StepPollMs   int `mapstructure:"stepPollMs"`   // dependency wait re-evaluation interval
	DefaultRetry int `mapstructure:"defaultRetry"` // default per-step maxRetries
}

// SyncConfig holds realtime sync configuration.
type SyncConfig struct {
	QueueSize         int `mapstructure:"queueSize"`
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds
	MaxMissed         int `mapstructure:"maxMissed"`
}

// Duration helpers. Config stores plain seconds so env overrides stay simple.

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (c *CoordinationConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.AgentHeartbeatInterval) * time.Second
}

func (c *CoordinationConfig) AgentTimeoutDuration() time.Duration {
	return time.Duration(c.AgentTimeout) * time.Second
}

func (c *CoordinationConfig) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsCollectionSeconds) * time.Second
}

func (t *TaskConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(t.DefaultTimeout) * time.Second
}

func (f *FileConfig) LockTimeoutDuration() time.Duration {
	return time.Duration(f.LockTimeout) * time.Second
}

func (f *FileConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(f.SweepInterval) * time.Second
}

func (m *MessageConfig) TimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

func (m *MessageConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(m.SweepInterval) * time.Second
}

func (m *MessageConfig) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLSeconds) * time.Second
}

func (h *HealthConfig) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

func (h *HealthConfig) TimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

func (h *HealthConfig) RetryDelayDuration() time.Duration {
	return time.Duration(h.RetryDelay) * time.Second
}

func (w *WorkflowConfig) StepPollInterval() time.Duration {
	return time.Duration(w.StepPollMs) * time.Millisecond
}

func (s *SyncConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FLEETD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means events stay in-process
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "fleetd")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)

	// Coordination defaults
	v.SetDefault("coordination.maxAgents", 10)
	v.SetDefault("coordination.maxConcurrentSessions", 5)
	v.SetDefault("coordination.maxConcurrentTasksPerAgent", 3)
	v.SetDefault("coordination.agentHeartbeatInterval", 30)
	v.SetDefault("coordination.agentTimeout", 300)
	v.SetDefault("coordination.metricsCollectionSeconds", 60)
	v.SetDefault("coordination.cleanupIntervalSeconds", 3600)

	// Task defaults
	v.SetDefault("task.defaultTimeout", 600)
	v.SetDefault("task.maxRetries", 3)
	v.SetDefault("task.priorityLevels", 4)

	// Assignment defaults
	v.SetDefault("assignment.checkInterval", 5)
	v.SetDefault("assignment.timeoutRatio", 1.5)
	v.SetDefault("assignment.heartbeatInterval", 30)
	v.SetDefault("assignment.maxAlternatives", 3)

	// File defaults
	v.SetDefault("file.lockTimeout", 300)
	v.SetDefault("file.maxLocksPerAgent", 5)
	v.SetDefault("file.backupRetention", 604800) // 7 days
	v.SetDefault("file.changeHistory", 100)
	v.SetDefault("file.snapshotDepth", 10)
	v.SetDefault("file.sweepInterval", 10)

	// Message defaults
	v.SetDefault("message.queueSize", 1000)
	v.SetDefault("message.retryAttempts", 3)
	v.SetDefault("message.timeout", 30)
	v.SetDefault("message.sweepInterval", 5)
	v.SetDefault("message.heartbeatSweep", 10)
	v.SetDefault("message.cacheTtlSeconds", 300)

	// Health defaults
	v.SetDefault("health.interval", 30)
	v.SetDefault("health.timeout", 5)
	v.SetDefault("health.retryAttempts", 3)
	v.SetDefault("health.retryDelay", 5)
	v.SetDefault("health.failureThreshold", 3)
	v.SetDefault("health.recoveryThreshold", 2)
	v.SetDefault("health.maxErrorHistory", 1000)

	// Workflow defaults
	v.SetDefault("workflow.maxSteps", 50)
	v.SetDefault("workflow.stepPollMs", 100)
	v.SetDefault("workflow.defaultRetry", 3)

	// Sync defaults
	v.SetDefault("sync.queueSize", 1024)
	v.SetDefault("sync.heartbeatInterval", 30)
	v.SetDefault("sync.maxMissed", 3)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FLEETD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/fleetd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLEETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleetd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Coordination.MaxAgents <= 0 {
		errs = append(errs, "coordination.maxAgents must be positive")
	}
	if cfg.Coordination.MaxConcurrentTasksPer <= 0 {
		errs = append(errs, "coordination.maxConcurrentTasksPerAgent must be positive")
	}
	if cfg.Task.PriorityLevels != 4 {
		errs = append(errs, "task.priorityLevels must be 4")
	}
	if cfg.Assignment.TimeoutRatio <= 1.0 {
		errs = append(errs, "assignment.timeoutRatio must be greater than 1.0")
	}
	if cfg.File.MaxLocksPerAgent <= 0 {
		errs = append(errs, "file.maxLocksPerAgent must be positive")
	}
	if cfg.Message.QueueSize <= 0 {
		errs = append(errs, "message.queueSize must be positive")
	}
	if cfg.Health.FailureThreshold <= 0 || cfg.Health.RecoveryThreshold <= 0 {
		errs = append(errs, "health thresholds must be positive")
	}
	if cfg.Workflow.MaxSteps <= 0 {
		errs = append(errs, "workflow.maxSteps must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
