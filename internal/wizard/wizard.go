// Package wizard provides an interactive setup wizard for Kaja Relay.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/postalsys/kaja-relay/internal/config"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: Basic setup
	configPath, tag, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	// Step 2: ICMP listener
	network, listenAddr, err := w.askListenConfig()
	if err != nil {
		return nil, err
	}

	// Step 3: Control server
	backendAddr, err := w.askBackendConfig()
	if err != nil {
		return nil, err
	}

	// Step 4: Payload bootstrap
	arch, pipeName, blockSize, err := w.askBootstrapConfig()
	if err != nil {
		return nil, err
	}

	// Step 5: Observability endpoint
	httpConfig, err := w.askHTTPConfig()
	if err != nil {
		return nil, err
	}

	// Step 6: Advanced options
	logLevel, payloadSize, chunkDelay, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	// Build configuration
	cfg := w.buildConfig(
		tag, network, listenAddr, backendAddr,
		arch, pipeName, blockSize,
		httpConfig, logLevel, payloadSize, chunkDelay,
	)

	// Write configuration file
	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	// Print summary
	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _  __    _         _     _        ____   _____  _         _    __   __
 | |/ /   / \       | |   / \      |  _ \ | ____|| |       / \   \ \ / /
 | ' /   / _ \   _  | |  / _ \     | |_) ||  _|  | |      / _ \   \ V /
 | . \  / ___ \ | |_| | / ___ \    |  _ < | |___ | |___  / ___ \   | |
 |_|\_\/_/   \_\ \___/ /_/   \_\   |_| \_\|_____||_____|/_/   \_\  |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  ICMP Covert Channel Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (configPath, tag string, err error) {
	configPath = "./config.yaml"
	tag = "RQ47"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the config file location and the channel marker."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),

			huh.NewInput().
				Title("Channel Tag").
				Description("Marker prefixed to every tunneled payload.\nMust match the value compiled into the agents.").
				Placeholder("RQ47").
				Value(&tag).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("tag is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askListenConfig() (network, address string, err error) {
	network = "ip4:icmp"
	address = "0.0.0.0"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("ICMP Listener").
				Description("Configure how the relay receives agent echo requests."),

			huh.NewSelect[string]().
				Title("Socket Type").
				Description("Raw sockets see all ICMP traffic but need privileges").
				Options(
					huh.NewOption("Raw ICMP (needs root or CAP_NET_RAW)", "ip4:icmp"),
					huh.NewOption("Unprivileged ping socket (Linux, limited)", "udp4"),
				).
				Value(&network),

			huh.NewInput().
				Title("Bind Address").
				Description("Local IP address to listen on").
				Placeholder("0.0.0.0").
				Value(&address).
				Validate(func(s string) error {
					if net.ParseIP(s) == nil {
						return fmt.Errorf("invalid IP address")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askBackendConfig() (address string, err error) {
	address = "10.10.10.21:2222"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Control Server").
				Description("The TCP backend that agent traffic is relayed to."),

			huh.NewInput().
				Title("Backend Address").
				Description("Address and port of the control server").
				Placeholder("10.10.10.21:2222").
				Value(&address).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("backend address is required")
					}
					_, _, err := net.SplitHostPort(s)
					if err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askBootstrapConfig() (arch, pipeName string, blockSize int, err error) {
	arch = "x86"
	pipeName = "foobar"
	blockSizeStr := "100"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Payload Bootstrap").
				Description("Parameters sent to the control server when an agent\nrequests a payload."),

			huh.NewSelect[string]().
				Title("Agent Architecture").
				Options(
					huh.NewOption("x86 (32-bit)", "x86"),
					huh.NewOption("x64 (64-bit)", "x64"),
				).
				Value(&arch),

			huh.NewInput().
				Title("Pipe Name").
				Description("Named pipe selector passed to the backend").
				Placeholder("foobar").
				Value(&pipeName).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("pipe name is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Block Size").
				Description("Block directive value").
				Placeholder("100").
				Value(&blockSizeStr).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil {
						return fmt.Errorf("must be a number")
					}
					if n < 1 {
						return fmt.Errorf("must be positive")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	blockSize, err = strconv.Atoi(blockSizeStr)
	return
}

func (w *Wizard) askHTTPConfig() (config.HTTPConfig, error) {
	cfg := config.Default().HTTP
	var enableAuth bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Observability").
				Description("Optional HTTP endpoint for health checks, session\nlistings and Prometheus metrics."),

			huh.NewConfirm().
				Title("Enable HTTP endpoint?").
				Description("Serves /healthz, /sessions and /metrics").
				Value(&cfg.Enabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return cfg, err
	}

	if !cfg.Enabled {
		return cfg, nil
	}

	addrForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP Address").
				Description("Address for the observability server").
				Placeholder(":8080").
				Value(&cfg.Address).
				Validate(func(s string) error {
					_, _, err := net.SplitHostPort(s)
					return err
				}),

			huh.NewConfirm().
				Title("Require authentication?").
				Description("Protect the endpoints with HTTP basic auth").
				Value(&enableAuth),
		),
	).WithTheme(w.theme)

	if err := addrForm.Run(); err != nil {
		return cfg, err
	}

	if enableAuth {
		var password string
		authForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Password").
					EchoMode(huh.EchoModePassword).
					Value(&password).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("password required")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err := authForm.Run(); err != nil {
			return cfg, err
		}

		hash, err := hashPassword(password)
		if err != nil {
			return cfg, fmt.Errorf("failed to hash password: %w", err)
		}
		cfg.AuthPasswordHash = hash
	}

	return cfg, nil
}

func (w *Wizard) askAdvancedOptions() (logLevel string, payloadSize int, chunkDelay time.Duration, err error) {
	logLevel = "info"
	payloadSizeStr := "1000"
	chunkDelayStr := "100ms"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Transfer tuning. The payload size must match the\nvalue compiled into the agents."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewInput().
				Title("ICMP Payload Size").
				Description("Data bytes per echo packet").
				Placeholder("1000").
				Value(&payloadSizeStr).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil {
						return fmt.Errorf("must be a number")
					}
					if n < 1 {
						return fmt.Errorf("must be positive")
					}
					return nil
				}),

			huh.NewInput().
				Title("Chunk Delay").
				Description("Pause between outbound fragments (e.g. 100ms)").
				Placeholder("100ms").
				Value(&chunkDelayStr).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil {
						return fmt.Errorf("invalid duration (use 100ms, 1s, ...)")
					}
					if d < 0 {
						return fmt.Errorf("must not be negative")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	payloadSize, err = strconv.Atoi(payloadSizeStr)
	if err != nil {
		return
	}
	chunkDelay, err = time.ParseDuration(chunkDelayStr)
	return
}

func (w *Wizard) buildConfig(
	tag, network, listenAddr, backendAddr string,
	arch, pipeName string,
	blockSize int,
	httpConfig config.HTTPConfig,
	logLevel string,
	payloadSize int,
	chunkDelay time.Duration,
) *config.Config {
	cfg := config.Default()

	cfg.Relay.LogLevel = logLevel
	cfg.Relay.LogFormat = "text"
	cfg.Relay.Tag = tag
	cfg.Relay.PayloadSize = payloadSize
	cfg.Relay.ChunkDelay = chunkDelay

	// Listener
	cfg.Listen.Network = network
	cfg.Listen.Address = listenAddr

	// Control server
	cfg.Backend.Address = backendAddr

	// Bootstrap
	cfg.Bootstrap.Arch = arch
	cfg.Bootstrap.PipeName = pipeName
	cfg.Bootstrap.BlockSize = blockSize

	// Observability
	cfg.HTTP = httpConfig

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# Kaja Relay Configuration
# Generated by setup wizard
# See https://github.com/postalsys/kaja-relay for documentation

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Listener:     %s on %s\n", cfg.Listen.Network, cfg.Listen.Address)
	fmt.Printf("  Backend:      %s\n", cfg.Backend.Address)
	fmt.Printf("  Channel tag:  %s\n", cfg.Relay.Tag)
	fmt.Printf("  Bootstrap:    arch=%s pipename=%s block=%d\n",
		cfg.Bootstrap.Arch, cfg.Bootstrap.PipeName, cfg.Bootstrap.BlockSize)

	if cfg.HTTP.Enabled {
		fmt.Printf("  HTTP:         http://%s/healthz\n", cfg.HTTP.Address)
		if cfg.HTTP.AuthPasswordHash != "" {
			fmt.Println("                (basic auth enabled)")
		}
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    kaja-relay run -c %s\n", configPath)

	if cfg.Listen.Network == "ip4:icmp" {
		fmt.Println()
		fmt.Println("  Raw ICMP sockets need elevated privileges:")
		fmt.Println("    sudo setcap cap_net_raw+ep $(which kaja-relay)")
	}
	fmt.Println()
}

// hashPassword produces the bcrypt hash stored in http.auth_password_hash.
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
