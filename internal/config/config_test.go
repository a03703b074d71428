package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Check essential defaults
	if cfg.Relay.Tag != "RQ47" {
		t.Errorf("Relay.Tag = %s, want RQ47", cfg.Relay.Tag)
	}
	if cfg.Relay.PayloadSize != 1000 {
		t.Errorf("Relay.PayloadSize = %d, want 1000", cfg.Relay.PayloadSize)
	}
	if cfg.Relay.ChunkDelay != 100*time.Millisecond {
		t.Errorf("Relay.ChunkDelay = %v, want 100ms", cfg.Relay.ChunkDelay)
	}
	if cfg.Relay.LogLevel != "info" {
		t.Errorf("Relay.LogLevel = %s, want info", cfg.Relay.LogLevel)
	}
	if cfg.Listen.Network != "ip4:icmp" {
		t.Errorf("Listen.Network = %s, want ip4:icmp", cfg.Listen.Network)
	}
	if cfg.Backend.Address != "10.10.10.21:2222" {
		t.Errorf("Backend.Address = %s, want 10.10.10.21:2222", cfg.Backend.Address)
	}
	if cfg.Backend.ConnectTimeout != 10*time.Second {
		t.Errorf("Backend.ConnectTimeout = %v, want 10s", cfg.Backend.ConnectTimeout)
	}
	if cfg.Bootstrap.Arch != "x86" {
		t.Errorf("Bootstrap.Arch = %s, want x86", cfg.Bootstrap.Arch)
	}
	if cfg.Bootstrap.PipeName != "foobar" {
		t.Errorf("Bootstrap.PipeName = %s, want foobar", cfg.Bootstrap.PipeName)
	}
	if cfg.Bootstrap.BlockSize != 100 {
		t.Errorf("Bootstrap.BlockSize = %d, want 100", cfg.Bootstrap.BlockSize)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
relay:
  log_level: "debug"
  log_format: "json"
  tag: "XY99"
  payload_size: 500
  chunk_delay: 50ms

listen:
  network: udp4
  address: "127.0.0.1"

backend:
  address: "192.168.1.10:4444"
  connect_timeout: 5s
  read_timeout: 30s

bootstrap:
  arch: x64
  pipe_name: "updates"
  block_size: 200

session:
  max_transfer: 4MiB
  mailbox_size: 16

http:
  enabled: true
  address: "127.0.0.1:9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Verify parsed values
	if cfg.Relay.LogLevel != "debug" {
		t.Errorf("Relay.LogLevel = %s, want debug", cfg.Relay.LogLevel)
	}
	if cfg.Relay.Tag != "XY99" {
		t.Errorf("Relay.Tag = %s, want XY99", cfg.Relay.Tag)
	}
	if cfg.Relay.PayloadSize != 500 {
		t.Errorf("Relay.PayloadSize = %d, want 500", cfg.Relay.PayloadSize)
	}
	if cfg.Relay.ChunkDelay != 50*time.Millisecond {
		t.Errorf("Relay.ChunkDelay = %v, want 50ms", cfg.Relay.ChunkDelay)
	}
	if cfg.Listen.Network != "udp4" {
		t.Errorf("Listen.Network = %s, want udp4", cfg.Listen.Network)
	}
	if cfg.Backend.Address != "192.168.1.10:4444" {
		t.Errorf("Backend.Address = %s, want 192.168.1.10:4444", cfg.Backend.Address)
	}
	if cfg.Backend.ReadTimeout != 30*time.Second {
		t.Errorf("Backend.ReadTimeout = %v, want 30s", cfg.Backend.ReadTimeout)
	}
	if cfg.Bootstrap.Arch != "x64" {
		t.Errorf("Bootstrap.Arch = %s, want x64", cfg.Bootstrap.Arch)
	}
	if cfg.Session.MailboxSize != 16 {
		t.Errorf("Session.MailboxSize = %d, want 16", cfg.Session.MailboxSize)
	}
	if got := cfg.MaxTransferBytes(); got != 4*1024*1024 {
		t.Errorf("MaxTransferBytes() = %d, want %d", got, 4*1024*1024)
	}
	if !cfg.HTTP.Enabled {
		t.Error("HTTP.Enabled = false, want true")
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	yamlConfig := `
backend:
  address: "10.0.0.5:2222"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should use defaults for unspecified fields
	if cfg.Relay.Tag != "RQ47" {
		t.Errorf("Relay.Tag = %s, want RQ47 (default)", cfg.Relay.Tag)
	}
	if cfg.Backend.Address != "10.0.0.5:2222" {
		t.Errorf("Backend.Address = %s, want 10.0.0.5:2222", cfg.Backend.Address)
	}
	if cfg.Backend.ConnectTimeout != 10*time.Second {
		t.Errorf("Backend.ConnectTimeout = %v, want 10s (default)", cfg.Backend.ConnectTimeout)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
relay:
  tag: "RQ47"
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name: "invalid log level",
			yaml: `
relay:
  log_level: "invalid"
`,
			wantError: "invalid log_level",
		},
		{
			name: "invalid log format",
			yaml: `
relay:
  log_format: "invalid"
`,
			wantError: "invalid log_format",
		},
		{
			name: "empty tag",
			yaml: `
relay:
  tag: ""
`,
			wantError: "relay.tag is required",
		},
		{
			name: "payload size below header room",
			yaml: `
relay:
  payload_size: 6
`,
			wantError: "relay.payload_size must be at least",
		},
		{
			name: "invalid listen network",
			yaml: `
listen:
  network: tcp
`,
			wantError: "invalid listen.network",
		},
		{
			name: "invalid listen address",
			yaml: `
listen:
  address: "not-an-ip"
`,
			wantError: "invalid listen.address",
		},
		{
			name: "backend address missing port",
			yaml: `
backend:
  address: "10.10.10.21"
`,
			wantError: "invalid host:port",
		},
		{
			name: "zero connect timeout",
			yaml: `
backend:
  connect_timeout: 0s
`,
			wantError: "connect_timeout must be positive",
		},
		{
			name: "invalid arch",
			yaml: `
bootstrap:
  arch: arm64
`,
			wantError: "invalid bootstrap.arch",
		},
		{
			name: "empty pipe name",
			yaml: `
bootstrap:
  pipe_name: ""
`,
			wantError: "pipe_name is required",
		},
		{
			name: "zero block size",
			yaml: `
bootstrap:
  block_size: 0
`,
			wantError: "block_size must be positive",
		},
		{
			name: "bad max transfer",
			yaml: `
session:
  max_transfer: "lots"
`,
			wantError: "session.max_transfer",
		},
		{
			name: "zero mailbox size",
			yaml: `
session:
  mailbox_size: 0
`,
			wantError: "mailbox_size must be positive",
		},
		{
			name: "http enabled without address",
			yaml: `
http:
  enabled: true
  address: ""
`,
			wantError: "http.address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	// Set test environment variables
	os.Setenv("TEST_BACKEND_ADDR", "10.0.0.1:2222")
	os.Setenv("TEST_TAG", "ZZ11")
	defer func() {
		os.Unsetenv("TEST_BACKEND_ADDR")
		os.Unsetenv("TEST_TAG")
	}()

	yamlConfig := `
relay:
  tag: "${TEST_TAG}"

backend:
  address: "$TEST_BACKEND_ADDR"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Relay.Tag != "ZZ11" {
		t.Errorf("Relay.Tag = %s, want ZZ11", cfg.Relay.Tag)
	}
	if cfg.Backend.Address != "10.0.0.1:2222" {
		t.Errorf("Backend.Address = %s, want 10.0.0.1:2222", cfg.Backend.Address)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	// Ensure the variable is NOT set
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
bootstrap:
  pipe_name: "${NONEXISTENT_VAR:-fallbackpipe}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Bootstrap.PipeName != "fallbackpipe" {
		t.Errorf("Bootstrap.PipeName = %s, want fallbackpipe", cfg.Bootstrap.PipeName)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
bootstrap:
  pipe_name: "${NONEXISTENT_VAR}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should keep the original placeholder if not found
	if cfg.Bootstrap.PipeName != "${NONEXISTENT_VAR}" {
		t.Errorf("Bootstrap.PipeName = %s, want ${NONEXISTENT_VAR}", cfg.Bootstrap.PipeName)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	// Create temp config file
	tmpDir, err := os.MkdirTemp("", "kaja-relay-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
relay:
  log_level: "debug"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.LogLevel != "debug" {
		t.Errorf("Relay.LogLevel = %s, want debug", cfg.Relay.LogLevel)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1KiB", 1024, false},
		{"1KB", 1000, false},
		{"16MiB", 16 * 1024 * 1024, false},
		{" 2MiB ", 2 * 1024 * 1024, false},
		{"", 0, true},
		{"0", 0, true},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	if got := FormatSize(16 * 1024 * 1024); got != "16 MiB" {
		t.Errorf("FormatSize(16MiB) = %s, want 16 MiB", got)
	}
	if got := FormatSize(-1); got != "-1 B" {
		t.Errorf("FormatSize(-1) = %s, want -1 B", got)
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.HTTP.AuthPasswordHash = "$2a$10$abcdefghijklmnopqrstuv"

	redacted := cfg.Redacted()
	if redacted.HTTP.AuthPasswordHash != redactedValue {
		t.Errorf("Redacted hash = %s, want %s", redacted.HTTP.AuthPasswordHash, redactedValue)
	}

	// Original must be untouched
	if cfg.HTTP.AuthPasswordHash == redactedValue {
		t.Error("Redacted() modified the original config")
	}

	// String() must not leak the hash
	if strings.Contains(cfg.String(), "abcdefghijklmnopqrstuv") {
		t.Error("String() leaked the auth hash")
	}
}

func TestConfig_HasSensitiveData(t *testing.T) {
	cfg := Default()
	if cfg.HasSensitiveData() {
		t.Error("default config should have no sensitive data")
	}

	cfg.HTTP.AuthPasswordHash = "$2a$10$hash"
	if !cfg.HasSensitiveData() {
		t.Error("config with auth hash should report sensitive data")
	}
}
