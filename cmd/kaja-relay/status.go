package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/postalsys/kaja-relay/internal/health"
)

func statusCmd() *cobra.Command {
	var (
		address  string
		password string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running relay",
		Long:  "Query the HTTP endpoint of a running relay and display health, agent sessions and traffic counters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &statusClient{
				base:     "http://" + address,
				password: password,
				http:     &http.Client{Timeout: timeout},
			}

			info, err := client.healthz()
			if err != nil {
				return fmt.Errorf("failed to query relay at %s: %w (is the relay running with http.enabled?)", address, err)
			}

			printHealth(info)

			if !info.Running {
				return nil
			}

			if sessions, err := client.sessions(); err == nil {
				printSessions(sessions)
			}

			if counters, err := client.metrics(); err == nil {
				printCounters(counters)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:8080", "HTTP address of the running relay")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Basic auth password, if the endpoint requires one")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}

type statusClient struct {
	base     string
	password string
	http     *http.Client
}

func (c *statusClient) get(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if c.password != "" {
		req.SetBasicAuth("kaja", c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fmt.Errorf("authentication required (use --password)")
	}
	return resp, nil
}

// healthzInfo mirrors the /healthz response of the health server.
type healthzInfo struct {
	Status         string `json:"status"`
	Running        bool   `json:"running"`
	Hostname       string `json:"hostname"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	SessionCount   int    `json:"session_count"`
	ActiveCheckins int    `json:"active_checkins"`
	PayloadsCached int    `json:"payloads_cached"`
	BackendAddress string `json:"backend_address"`
}

func (c *statusClient) healthz() (*healthzInfo, error) {
	resp, err := c.get("/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// /healthz answers with JSON on both 200 and 503
	var info healthzInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("unexpected response: %w", err)
	}
	return &info, nil
}

func (c *statusClient) sessions() ([]health.SessionView, error) {
	resp, err := c.get("/sessions")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sessions []health.SessionView
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("unexpected response: %w", err)
	}
	return sessions, nil
}

// relayCounters holds the counter values scraped from /metrics.
type relayCounters struct {
	packetsReceived  float64
	repliesSent      float64
	bytesToBackend   float64
	bytesFromBackend float64
	checkins         map[string]float64
	drops            map[string]float64
}

func (c *statusClient) metrics() (*relayCounters, error) {
	resp, err := c.get("/metrics")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}

	sum := func(name string) float64 {
		mf, ok := families[name]
		if !ok {
			return 0
		}
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		return total
	}

	byLabel := func(name, label string) map[string]float64 {
		out := make(map[string]float64)
		mf, ok := families[name]
		if !ok {
			return out
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label {
					out[lp.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
		return out
	}

	return &relayCounters{
		packetsReceived:  sum("kaja_relay_packets_received_total"),
		repliesSent:      sum("kaja_relay_replies_sent_total"),
		bytesToBackend:   sum("kaja_relay_bytes_to_backend_total"),
		bytesFromBackend: sum("kaja_relay_bytes_from_backend_total"),
		checkins:         byLabel("kaja_relay_checkins_total", "outcome"),
		drops:            byLabel("kaja_relay_packets_dropped_total", "reason"),
	}, nil
}

func printHealth(info *healthzInfo) {
	healthy := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	unhealthy := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))

	fmt.Println()
	if !info.Running {
		fmt.Println(unhealthy.Render("✗ Relay not running"))
		fmt.Println()
		return
	}

	fmt.Println(healthy.Render("✓ Relay running"))
	fmt.Printf("  Host:      %s (version %s)\n", info.Hostname, info.Version)
	fmt.Printf("  Uptime:    %s\n", time.Duration(info.UptimeSeconds)*time.Second)
	fmt.Printf("  Backend:   %s\n", info.BackendAddress)
	fmt.Printf("  Sessions:  %d (%d checking in, %d payloads cached)\n",
		info.SessionCount, info.ActiveCheckins, info.PayloadsCached)
}

func printSessions(sessions []health.SessionView) {
	if len(sessions) == 0 {
		return
	}

	header := lipgloss.NewStyle().Bold(true)

	fmt.Println()
	fmt.Println(header.Render("  Agent Sessions"))
	fmt.Printf("  %-8s %-18s %-14s %-9s %s\n", "ID", "ADDRESS", "STATE", "CHECKINS", "LAST ACTIVITY")
	for _, s := range sessions {
		fmt.Printf("  %-8d %-18s %-14s %-9d %s\n",
			s.AgentID, s.Address, s.State, s.Checkins, humanize.Time(s.LastActivity))
	}
}

func printCounters(c *relayCounters) {
	header := lipgloss.NewStyle().Bold(true)

	fmt.Println()
	fmt.Println(header.Render("  Traffic"))
	fmt.Printf("  Packets received:  %s\n", humanize.Comma(int64(c.packetsReceived)))
	fmt.Printf("  Replies sent:      %s\n", humanize.Comma(int64(c.repliesSent)))
	fmt.Printf("  To backend:        %s\n", humanize.IBytes(uint64(c.bytesToBackend)))
	fmt.Printf("  From backend:      %s\n", humanize.IBytes(uint64(c.bytesFromBackend)))

	if len(c.checkins) > 0 {
		fmt.Printf("  Checkins:          %s\n", formatLabelCounts(c.checkins))
	}
	if len(c.drops) > 0 {
		fmt.Printf("  Drops:             %s\n", formatLabelCounts(c.drops))
	}
	fmt.Println()
}

func formatLabelCounts(counts map[string]float64) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, int64(counts[k])))
	}
	return strings.Join(parts, " ")
}
