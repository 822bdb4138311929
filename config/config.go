// Package config holds the device configuration baked in at build time from
// the .text files next to this source. An empty override file keeps the
// default.
package config

import (
	_ "embed"
	"errors"
	"net/netip"
	"strings"
	"time"
)

// Defaults for operational configuration.
const (
	DefaultStatusInterval = 5 * time.Second
	DefaultStreamTimeout  = 10 * time.Minute
	DefaultUserAgent      = "pico-ota/1.0"
)

// Environment-specific configuration (must be provided via embedded text files).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string

	//go:embed telemetry_collector.text
	telemetryCollector string

	//go:embed firmware_url.text
	firmwareURL string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed status_interval.text
	statusIntervalOverride string

	//go:embed stream_timeout.text
	streamTimeoutOverride string
)

// ErrUnset is returned for an address whose file is empty.
var ErrUnset = errors.New("config: not set")

// BrokerAddr returns the MQTT broker address from broker.text.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	return parseAddr(brokerAddr)
}

// ClientID returns the MQTT client ID, also used as the status topic prefix.
func ClientID() string {
	if id := strings.TrimSpace(clientID); id != "" {
		return id
	}
	return "pico-ota"
}

// TelemetryCollectorAddr returns the OTLP/HTTP collector address.
func TelemetryCollectorAddr() (netip.AddrPort, error) {
	return parseAddr(telemetryCollector)
}

// FirmwareURL returns the resource fetched when an update is triggered
// without one.
func FirmwareURL() string {
	return strings.TrimSpace(firmwareURL)
}

// StatusInterval is the idle heartbeat period.
func StatusInterval() time.Duration {
	return durationOr(statusIntervalOverride, DefaultStatusInterval)
}

// StreamTimeout bounds a single image transfer.
func StreamTimeout() time.Duration {
	return durationOr(streamTimeoutOverride, DefaultStreamTimeout)
}

func parseAddr(s string) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.AddrPort{}, ErrUnset
	}
	return netip.ParseAddrPort(s)
}

// durationOr parses override, falling back to def when it is empty,
// malformed or not positive.
func durationOr(override string, def time.Duration) time.Duration {
	if s := strings.TrimSpace(override); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}
