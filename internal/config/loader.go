package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1 << 20

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "REGCYCLE_"

	systemConfigDir = "/etc/regcycle"
)

// LoadWithFile builds the configuration from Default, the YAML file at
// configPath and REGCYCLE_* environment variables, in increasing precedence.
// An empty configPath means ~/.config/regcycle/config.yaml. A missing file is
// not an error.
//
// The file must live under ~/.config/regcycle/ or /etc/regcycle/ (symlinks
// resolved), be mode 0600 or 0400 and be at most 1MB. It may carry the NATS
// token, so anything looser is refused.
//
// After the prefix is removed the first underscore separates the section
// from the field name:
//
//	REGCYCLE_SERVER_HTTP_PORT -> server.http_port
//	REGCYCLE_GATE_REQUIRE_SIGNATURE -> gate.require_signature
//	REGCYCLE_ORCHESTRATOR_SWEEP_TENANTS=acme,globex -> orchestrator.sweep_tenants
func LoadWithFile(configPath string) (*Config, error) {
	if configPath == "" {
		dir, err := userConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	k := koanf.New(".")

	content, err := readConfigFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// readConfigFile checks mode and size on the opened descriptor, so the file
// cannot be swapped between check and read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0600 && perm != 0400 {
			return nil, fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKey maps REGCYCLE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	section, field, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_")
	if !ok {
		return section
	}
	return section + "." + field
}

func userConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "regcycle"), nil
}

// EnsureConfigDir creates ~/.config/regcycle with mode 0700.
func EnsureConfigDir() error {
	dir, err := userConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// validateConfigPath checks that path, after resolving symlinks, sits inside
// an allowed config directory. Paths that do not exist yet are checked as
// given.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = resolved
	}

	userDir, err := userConfigDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{userDir, systemConfigDir} {
		if strings.HasPrefix(absPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return errors.New("config file must be in ~/.config/regcycle/ or /etc/regcycle/")
}

// applyDefaults restores defaults for values explicitly zeroed by the file or
// environment where zero is never meaningful.
func applyDefaults(cfg *Config) {
	def := Default()
	setIfZero(&cfg.Server.Host, def.Server.Host)
	setIfZero(&cfg.Server.Port, def.Server.Port)
	setIfZero(&cfg.Server.ShutdownTimeout, def.Server.ShutdownTimeout)
	setIfZero(&cfg.Observability.ServiceName, def.Observability.ServiceName)
	setIfZero(&cfg.Logging.Level, def.Logging.Level)
	setIfZero(&cfg.Logging.Format, def.Logging.Format)
	setIfZero(&cfg.Orchestrator.EscalationSweepInterval, def.Orchestrator.EscalationSweepInterval)
	setIfZero(&cfg.NATS.SubjectPrefix, def.NATS.SubjectPrefix)
	setIfZero(&cfg.Temporal.Namespace, def.Temporal.Namespace)
	setIfZero(&cfg.Temporal.TaskQueue, def.Temporal.TaskQueue)
}

func setIfZero[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
