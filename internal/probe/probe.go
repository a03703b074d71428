// Package probe provides connectivity testing for the backend control server.
package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/postalsys/kaja-relay/internal/backend"
	"github.com/postalsys/kaja-relay/internal/frame"
)

// Options contains configuration for a backend probe.
type Options struct {
	// Address is the control server host:port to probe
	Address string

	// Timeout for the entire probe operation
	Timeout time.Duration

	// FetchPayload runs the full bootstrap exchange after connecting.
	// The fetched bytes are discarded; only size and timing are reported.
	FetchPayload bool

	// Bootstrap parameters used when FetchPayload is set
	Arch      string
	PipeName  string
	BlockSize int
}

// Result contains the outcome of a backend probe.
type Result struct {
	// Success indicates whether the probe succeeded
	Success bool

	// Address that was probed
	Address string

	// ConnectRTT is the time the TCP connect took
	ConnectRTT time.Duration

	// PayloadSize is the staged payload size in bytes (when fetched)
	PayloadSize int

	// FetchRTT is the duration of the bootstrap exchange (when fetched)
	FetchRTT time.Duration

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe tests connectivity to the backend control server.
// It performs:
// 1. TCP connect to the configured address
// 2. optionally the payload bootstrap exchange
//
// The fetch variant consumes a staged payload slot on backends that stage
// per-request, so keep it for pre-deployment checks.
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{
		Address: opts.Address,
	}

	// Set defaults
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Arch == "" {
		opts.Arch = "x86"
	}
	if opts.PipeName == "" {
		opts.PipeName = "foobar"
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = 100
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	ch, err := backend.Dial(backend.Config{
		Address:        opts.Address,
		ConnectTimeout: opts.Timeout,
		ReadTimeout:    opts.Timeout,
	}, nil)
	if err != nil {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}
	defer ch.Close()
	result.ConnectRTT = time.Since(start)

	if !opts.FetchPayload {
		result.Success = true
		return result
	}

	if err := ctx.Err(); err != nil {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	fetchStart := time.Now()
	payload, err := ch.FetchPayload(backend.Bootstrap{
		Arch:      opts.Arch,
		PipeName:  opts.PipeName,
		BlockSize: opts.BlockSize,
	})
	if err != nil {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	result.Success = true
	result.PayloadSize = len(payload)
	result.FetchRTT = time.Since(fetchStart)

	return result
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// Connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - control server not running or port blocked"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	// Timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	// Framing errors
	if errors.Is(err, frame.ErrFrameTooLarge) {
		return "Connected but the reply is not a valid frame - not a control server?"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "Connection closed mid-exchange - control server rejected the bootstrap?"
	}

	return err.Error()
}
