package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temporary directory and returns the
// regcycle config directory inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".config", "regcycle")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	return configDir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

// TestLoadWithFile_ValidYAML tests loading configuration from a valid YAML file.
func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)

	path := writeConfig(t, dir, `server:
  http_port: 8088
  http_host: 127.0.0.1

observability:
  enable_telemetry: true
  service_name: regcycled-test

gate:
  timeout: 48h
  require_signature: true

orchestrator:
  task_due: 24h
  sweep_tenants: [acme, globex]

executor:
  mcp_endpoint: http://tools.internal:8931/mcp
  rate_limit: 5
  burst: 10
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 8088 {
		t.Errorf("Server.Port = %d, want 8088", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Observability.ServiceName != "regcycled-test" {
		t.Errorf("Observability.ServiceName = %q, want regcycled-test", cfg.Observability.ServiceName)
	}
	if cfg.Gate.Timeout.Duration() != 48*time.Hour {
		t.Errorf("Gate.Timeout = %v, want 48h", cfg.Gate.Timeout.Duration())
	}
	if !cfg.Gate.RequireSignature {
		t.Error("Gate.RequireSignature = false, want true")
	}
	if !cfg.Gate.EnforceRoles {
		t.Error("Gate.EnforceRoles lost its default")
	}
	if got := cfg.Orchestrator.SweepTenants; len(got) != 2 || got[0] != "acme" || got[1] != "globex" {
		t.Errorf("Orchestrator.SweepTenants = %v, want [acme globex]", got)
	}
	if cfg.Executor.RateLimit != 5 || cfg.Executor.Burst != 10 {
		t.Errorf("Executor = %+v, want rate 5 burst 10", cfg.Executor)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want default 3", cfg.Retry.MaxAttempts)
	}
}

// TestLoadWithFile_EnvironmentOverride tests that environment variables override YAML.
func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)

	path := writeConfig(t, dir, `server:
  http_port: 9090
  shutdown_timeout: 10s

observability:
  service_name: yaml-service
`, 0600)

	t.Setenv("REGCYCLE_SERVER_HTTP_PORT", "7777")
	t.Setenv("REGCYCLE_OBSERVABILITY_SERVICE_NAME", "env-service")
	t.Setenv("REGCYCLE_GATE_ENFORCE_ROLES", "false")
	t.Setenv("REGCYCLE_RETRY_BASE_DELAY", "250ms")
	t.Setenv("REGCYCLE_ORCHESTRATOR_SWEEP_TENANTS", "acme,initech")
	t.Setenv("REGCYCLE_NATS_TOKEN", "s3cret")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
	if cfg.Observability.ServiceName != "env-service" {
		t.Errorf("Observability.ServiceName = %q, want env-service (from env override)", cfg.Observability.ServiceName)
	}
	if cfg.Gate.EnforceRoles {
		t.Error("Gate.EnforceRoles = true, want false (from env override)")
	}
	if cfg.Retry.BaseDelay.Duration() != 250*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %v, want 250ms", cfg.Retry.BaseDelay.Duration())
	}
	if got := cfg.Orchestrator.SweepTenants; len(got) != 2 || got[1] != "initech" {
		t.Errorf("Orchestrator.SweepTenants = %v, want [acme initech]", got)
	}
	if cfg.NATS.Token.Value() != "s3cret" {
		t.Error("NATS.Token not loaded from env")
	}
}

// TestLoadWithFile_MissingFile tests handling of missing config file.
func TestLoadWithFile_MissingFile(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() should not error on missing file, got: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want default 9090", cfg.Server.Port)
	}
}

// TestLoadWithFile_DefaultPath tests using the default config path.
func TestLoadWithFile_DefaultPath(t *testing.T) {
	dir := setupTestHome(t)
	writeConfig(t, dir, "server:\n  http_port: 9191\n", 0600)

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile(\"\") error = %v, want nil", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
}

// TestLoadWithFile_InvalidYAML tests handling of malformed YAML.
func TestLoadWithFile_InvalidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: not-a-number
  invalid syntax here
`, 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Error("LoadWithFile() should error on invalid YAML, got nil")
	}
}

// TestLoadWithFile_Validation tests configuration validation.
func TestLoadWithFile_Validation(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 99999
`, 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Error("LoadWithFile() should error on invalid port, got nil")
	}
}

// TestLoadWithFile_PathTraversal tests path traversal attack prevention.
func TestLoadWithFile_PathTraversal(t *testing.T) {
	setupTestHome(t)

	_, err := LoadWithFile("../../../../etc/passwd")
	if err == nil {
		t.Fatal("Expected error for path traversal, got nil")
	}
	if !strings.Contains(err.Error(), "must be in ~/.config/regcycle/ or /etc/regcycle/") {
		t.Errorf("Expected path validation error, got: %v", err)
	}
}

// TestLoadWithFile_InsecurePermissions tests file permission enforcement.
func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9090\n", 0644)

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("Expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "insecure") {
		t.Errorf("Expected 'insecure permissions' error, got: %v", err)
	}
}

// TestLoadWithFile_FileTooLarge tests file size limit enforcement.
func TestLoadWithFile_FileTooLarge(t *testing.T) {
	dir := setupTestHome(t)

	largeContent := bytes.Repeat([]byte("# comment line\n"), 150000)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, largeContent, 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("Expected error for large file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected 'too large' error, got: %v", err)
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := EnsureConfigDir(); err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(home, ".config", "regcycle"))
	if err != nil {
		t.Fatalf("config dir not created: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0700 {
		t.Errorf("config dir permissions = %v, want 0700", info.Mode().Perm())
	}
}
