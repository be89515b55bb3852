// Package config provides configuration loading for regcycled.
//
// Configuration starts from Default, is overlaid by an optional YAML file and
// finally by REGCYCLE_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete regcycled configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Gate          GateConfig          `koanf:"gate"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Retry         RetryConfig         `koanf:"retry"`
	Executor      ExecutorConfig      `koanf:"executor"`
	NATS          NATSConfig          `koanf:"nats"`
	Temporal      TemporalConfig      `koanf:"temporal"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// AllowClockOverride accepts a caller-supplied sweep time on the
	// escalation endpoint. Leave off outside tests and drills.
	AllowClockOverride bool `koanf:"allow_clock_override"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Insecure        bool    `koanf:"insecure"`
	SamplingRate    float64 `koanf:"sampling_rate"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// GateConfig configures the human gate.
type GateConfig struct {
	Timeout            Duration `koanf:"timeout"`
	MinRationaleLength int      `koanf:"min_rationale_length"`
	RequireSignature   bool     `koanf:"require_signature"`
	EnforceRoles       bool     `koanf:"enforce_roles"`
	AuditEnabled       bool     `koanf:"audit_enabled"`
}

// OrchestratorConfig configures cycles, task escalation and the sweep.
type OrchestratorConfig struct {
	TaskDue                 Duration `koanf:"task_due"`
	MaxEscalationLevel      int      `koanf:"max_escalation_level"`
	EscalationSweepInterval Duration `koanf:"escalation_sweep_interval"`
	SweepTenants            []string `koanf:"sweep_tenants"`
}

// RetryConfig configures retries of tool calls and agent steps.
type RetryConfig struct {
	MaxAttempts int      `koanf:"max_attempts"`
	BaseDelay   Duration `koanf:"base_delay"`
	MaxDelay    Duration `koanf:"max_delay"`
	Multiplier  float64  `koanf:"multiplier"`
	Jitter      bool     `koanf:"jitter"`
}

// ExecutorConfig configures the tool execution gateway. An empty MCPEndpoint
// runs tools in-process. Each entry of Agents registers an automated step
// handler calling the tool "run_<agent>".
type ExecutorConfig struct {
	MCPEndpoint string   `koanf:"mcp_endpoint"`
	RateLimit   float64  `koanf:"rate_limit"`
	Burst       int      `koanf:"burst"`
	Timeout     Duration `koanf:"timeout"`
	Agents      []string `koanf:"agents"`

	// RecheckInterval bounds how long a failed backend is bypassed.
	RecheckInterval Duration `koanf:"recheck_interval"`
}

// NATSConfig configures audit fan-out. An empty URL disables it.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Token         Secret `koanf:"token"`
}

// TemporalConfig configures the escalation sweep worker. An empty HostPort
// disables it.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName:  "regcycled",
			Endpoint:     "localhost:4317",
			Insecure:     true,
			SamplingRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Gate: GateConfig{
			Timeout:            Duration(24 * time.Hour),
			MinRationaleLength: 10,
			EnforceRoles:       true,
			AuditEnabled:       true,
		},
		Orchestrator: OrchestratorConfig{
			TaskDue:                 Duration(72 * time.Hour),
			MaxEscalationLevel:      3,
			EscalationSweepInterval: Duration(15 * time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(30 * time.Second),
			Multiplier:  2,
		},
		Executor: ExecutorConfig{
			Timeout: Duration(30 * time.Second),
		},
		NATS: NATSConfig{
			SubjectPrefix: "audit",
		},
		Temporal: TemporalConfig{
			Namespace: "default",
			TaskQueue: "regcycle-sweep-queue",
		},
	}
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Service name is empty (when telemetry is enabled)
//   - Gate, orchestrator or retry values are out of range
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("invalid sampling rate: %v (must be 0-1)", c.Observability.SamplingRate)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q (must be json or console)", c.Logging.Format)
	}

	if c.Gate.Timeout <= 0 {
		return errors.New("gate timeout must be positive")
	}
	if c.Gate.MinRationaleLength < 0 {
		return errors.New("gate min rationale length cannot be negative")
	}

	if c.Orchestrator.TaskDue <= 0 {
		return errors.New("orchestrator task due must be positive")
	}
	if c.Orchestrator.MaxEscalationLevel < 1 {
		return fmt.Errorf("invalid max escalation level: %d (must be at least 1)", c.Orchestrator.MaxEscalationLevel)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("invalid retry max attempts: %d (must be at least 1)", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("invalid retry multiplier: %v (must be at least 1)", c.Retry.Multiplier)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry max delay must not be below base delay")
	}

	if c.Executor.RateLimit < 0 || c.Executor.Burst < 0 {
		return errors.New("executor rate limit and burst cannot be negative")
	}

	return nil
}
