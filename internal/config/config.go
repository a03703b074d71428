// Package config provides configuration parsing and validation for Kaja Relay.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Listen    ListenConfig    `yaml:"listen"`
	Backend   BackendConfig   `yaml:"backend"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Session   SessionConfig   `yaml:"session"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// RelayConfig contains tunnel-side settings.
type RelayConfig struct {
	LogLevel    string        `yaml:"log_level"`    // debug, info, warn, error
	LogFormat   string        `yaml:"log_format"`   // text, json
	Tag         string        `yaml:"tag"`          // marker prefixed to every tunneled payload
	PayloadSize int           `yaml:"payload_size"` // ICMP data budget per packet, must match the agents
	ChunkDelay  time.Duration `yaml:"chunk_delay"`  // pause between outbound fragments
}

// ListenConfig defines the ICMP listener.
type ListenConfig struct {
	Network string `yaml:"network"` // ip4:icmp (raw, needs privileges) or udp4
	Address string `yaml:"address"` // local bind address
}

// BackendConfig defines the control server connection.
type BackendConfig struct {
	Address        string        `yaml:"address"`         // host:port
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // dial timeout
	ReadTimeout    time.Duration `yaml:"read_timeout"`    // per-frame read deadline, 0 = block
}

// BootstrapConfig defines the payload bootstrap exchange parameters.
type BootstrapConfig struct {
	Arch      string `yaml:"arch"`       // x86 or x64
	PipeName  string `yaml:"pipe_name"`  // named pipe selector sent to the backend
	BlockSize int    `yaml:"block_size"` // block directive value
}

// SessionConfig defines per-agent session tuning.
type SessionConfig struct {
	MaxTransfer       string        `yaml:"max_transfer"`       // announced-size sanity cap, human-readable
	MailboxSize       int           `yaml:"mailbox_size"`       // buffered inbound chunks per session
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"` // 0 = block forever
}

// HTTPConfig defines the observability server settings.
type HTTPConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Address          string        `yaml:"address"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	AuthPasswordHash string        `yaml:"auth_password_hash"` // bcrypt hash, empty = no auth
}

// Default returns a Config with default values.
// Defaults mirror the constants the remote agents are built with: tag RQ47,
// 1000-byte ICMP payload budget, 100 ms between fragments.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			LogLevel:    "info",
			LogFormat:   "text",
			Tag:         "RQ47",
			PayloadSize: 1000,
			ChunkDelay:  100 * time.Millisecond,
		},
		Listen: ListenConfig{
			Network: "ip4:icmp",
			Address: "0.0.0.0",
		},
		Backend: BackendConfig{
			Address:        "10.10.10.21:2222",
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    0,
		},
		Bootstrap: BootstrapConfig{
			Arch:      "x86",
			PipeName:  "foobar",
			BlockSize: 100,
		},
		Session: SessionConfig{
			MaxTransfer:       "16MiB",
			MailboxSize:       64,
			ReassemblyTimeout: 0,
		},
		HTTP: HTTPConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Relay.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Relay.LogLevel))
	}
	if !isValidLogFormat(c.Relay.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Relay.LogFormat))
	}
	if c.Relay.Tag == "" {
		errs = append(errs, "relay.tag is required")
	}
	// The seq=0 announcement needs the tag plus a 4-byte size field
	if c.Relay.PayloadSize < len(c.Relay.Tag)+4 {
		errs = append(errs, fmt.Sprintf("relay.payload_size must be at least tag length + 4 (%d)", len(c.Relay.Tag)+4))
	}
	if c.Relay.ChunkDelay < 0 {
		errs = append(errs, "relay.chunk_delay must not be negative")
	}

	if !isValidNetwork(c.Listen.Network) {
		errs = append(errs, fmt.Sprintf("invalid listen.network: %s (must be ip4:icmp or udp4)", c.Listen.Network))
	}
	if net.ParseIP(c.Listen.Address) == nil {
		errs = append(errs, fmt.Sprintf("invalid listen.address: %s", c.Listen.Address))
	}

	if err := validateHostPort(c.Backend.Address); err != nil {
		errs = append(errs, fmt.Sprintf("backend.address: %v", err))
	}
	if c.Backend.ConnectTimeout <= 0 {
		errs = append(errs, "backend.connect_timeout must be positive")
	}
	if c.Backend.ReadTimeout < 0 {
		errs = append(errs, "backend.read_timeout must not be negative")
	}

	if !isValidArch(c.Bootstrap.Arch) {
		errs = append(errs, fmt.Sprintf("invalid bootstrap.arch: %s (must be x86 or x64)", c.Bootstrap.Arch))
	}
	if c.Bootstrap.PipeName == "" {
		errs = append(errs, "bootstrap.pipe_name is required")
	}
	if c.Bootstrap.BlockSize < 1 {
		errs = append(errs, "bootstrap.block_size must be positive")
	}

	if _, err := ParseSize(c.Session.MaxTransfer); err != nil {
		errs = append(errs, fmt.Sprintf("session.max_transfer: %v", err))
	}
	if c.Session.MailboxSize < 1 {
		errs = append(errs, "session.mailbox_size must be positive")
	}
	if c.Session.ReassemblyTimeout < 0 {
		errs = append(errs, "session.reassembly_timeout must not be negative")
	}

	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = append(errs, "http.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// MaxTransferBytes returns the parsed announced-size cap.
// Call only after Validate has succeeded.
func (c *Config) MaxTransferBytes() uint64 {
	n, err := ParseSize(c.Session.MaxTransfer)
	if err != nil {
		return 0
	}
	return uint64(n)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidNetwork(network string) bool {
	switch network {
	case "ip4:icmp", "udp4":
		return true
	default:
		return false
	}
}

func isValidArch(arch string) bool {
	switch arch {
	case "x86", "x64":
		return true
	default:
		return false
	}
}

func validateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid host:port: %s", addr)
	}
	if host == "" || port == "" {
		return fmt.Errorf("host and port are both required: %s", addr)
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.HTTP.AuthPasswordHash != "" {
		redacted.HTTP.AuthPasswordHash = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.HTTP.AuthPasswordHash != ""
}
