// Package sysinfo collects system information for status reporting.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"sync"
	"time"
)

var (
	// Version is the relay version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/kaja-relay/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	// startTime is when the relay started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Info describes the host the relay runs on.
type Info struct {
	Hostname    string   `json:"hostname"`
	OS          string   `json:"os"`
	Arch        string   `json:"arch"`
	Version     string   `json:"version"`
	StartTime   int64    `json:"start_time"`
	IPAddresses []string `json:"ip_addresses"`
}

// Collect gathers local system information.
func Collect() *Info {
	hostname, _ := os.Hostname()

	return &Info{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		Version:     Version,
		StartTime:   startTime.Unix(),
		IPAddresses: GetLocalIPs(),
	}
}

// GetLocalIPs returns non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		// Skip loopback addresses
		if ipNet.IP.IsLoopback() {
			continue
		}

		// Only include IPv4 addresses
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	// Limit to first 10 IPs to keep status output readable
	if len(ips) > 10 {
		ips = ips[:10]
	}

	return ips
}

// StartTime returns the relay start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the relay uptime as a duration.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the relay uptime in seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}
