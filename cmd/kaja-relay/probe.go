package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/kaja-relay/internal/probe"
)

func probeCmd() *cobra.Command {
	var (
		address   string
		timeout   time.Duration
		fetch     bool
		arch      string
		pipeName  string
		blockSize int
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe the backend control server",
		Long: `Check that the backend control server is reachable and speaks the
framed protocol. With --fetch the probe also performs a payload
bootstrap exchange and reports the staged payload size.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := probe.Probe(context.Background(), probe.Options{
				Address:      address,
				Timeout:      timeout,
				FetchPayload: fetch,
				Arch:         arch,
				PipeName:     pipeName,
				BlockSize:    blockSize,
			})

			printProbeResult(result)

			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "10.10.10.21:2222", "Control server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Probe timeout")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "Also perform a payload bootstrap exchange")
	cmd.Flags().StringVar(&arch, "arch", "x86", "Architecture directive for --fetch")
	cmd.Flags().StringVar(&pipeName, "pipe-name", "foobar", "Pipe name directive for --fetch")
	cmd.Flags().IntVar(&blockSize, "block-size", 100, "Block size directive for --fetch")

	return cmd
}

func printProbeResult(r *probe.Result) {
	success := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failure := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	fmt.Println()
	if r.Success {
		fmt.Println(success.Render("✓ Control server reachable"))
		fmt.Printf("  Address:      %s\n", r.Address)
		fmt.Printf("  Connect RTT:  %s\n", r.ConnectRTT.Round(time.Millisecond))
		if r.FetchRTT > 0 {
			fmt.Printf("  Payload:      %s\n", humanize.IBytes(uint64(r.PayloadSize)))
			fmt.Printf("  Fetch RTT:    %s\n", r.FetchRTT.Round(time.Millisecond))
		}
	} else {
		fmt.Println(failure.Render("✗ Probe failed"))
		fmt.Printf("  Address:  %s\n", r.Address)
		if r.ErrorDetail != "" {
			fmt.Printf("  Detail:   %s\n", r.ErrorDetail)
		}
		if r.Error != nil {
			fmt.Println(dim.Render(fmt.Sprintf("  Error:    %v", r.Error)))
		}
	}
	fmt.Println()
}

func listenCmd() *cobra.Command {
	var (
		address string
		payload string
		reply   string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run a stand-in control server",
		Long: `Accept relay connections and answer the framed protocol the way the
real control server does: parameter directives are absorbed, "go" is
answered with a test payload, and checkin data gets a fixed reply.
Useful for exercising a relay deployment before the backend is up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			events := make(chan probe.ConnectionEvent, 16)
			go func() {
				for ev := range events {
					printConnectionEvent(ev)
				}
			}()

			fmt.Printf("Stand-in control server listening on %s (Ctrl-C to stop)\n", address)

			opts := probe.ListenOptions{Address: address}
			if payload != "" {
				opts.Payload = []byte(payload)
			}
			if reply != "" {
				opts.CheckinReply = []byte(reply)
			}

			if err := probe.Listen(ctx, opts, events); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			fmt.Println("\nStopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:2222", "Address to listen on")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload served to bootstrap requests (default is a test marker)")
	cmd.Flags().StringVar(&reply, "reply", "", `Reply sent for checkin data (default "OK")`)

	return cmd
}

func printConnectionEvent(ev probe.ConnectionEvent) {
	ts := ev.Timestamp.Format("15:04:05")
	if !ev.Success {
		fmt.Printf("[%s] %s error: %s\n", ts, ev.RemoteAddr, ev.Error)
		return
	}
	fmt.Printf("[%s] %s %s: %s\n", ts, ev.RemoteAddr, ev.Kind, ev.Data)
}
