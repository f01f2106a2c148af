// Package telemetry wires OpenTelemetry trace and metric export for
// whispercore.
package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/whispercore/internal/config"
)

// Config holds telemetry configuration, loaded from the "telemetry" section.
type Config struct {
	Enabled         bool              `koanf:"enabled"`
	Endpoint        string            `koanf:"endpoint"`
	Protocol        string            `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool              `koanf:"insecure"`
	// Headers are sent with every export, e.g. a collector auth token.
	Headers         map[string]string `koanf:"headers"`
	ServiceName     string            `koanf:"service_name"`
	ServiceVersion  string            `koanf:"service_version"`
	SamplingRate    float64           `koanf:"sampling_rate"`
	ExportInterval  config.Duration   `koanf:"export_interval"`
	ShutdownTimeout config.Duration   `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns telemetry defaults. Export is off until a
// collector is configured.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		Insecure:        true,
		ServiceName:     "whispercore",
		ServiceVersion:  "0.1.0",
		SamplingRate:    1.0,
		ExportInterval:  config.Duration(15 * time.Second),
		ShutdownTimeout: config.Duration(5 * time.Second),
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != protocolHTTP {
		return fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return fmt.Errorf("insecure export is only allowed to a local endpoint, got %q", c.Endpoint)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	if c.ExportInterval.Duration() <= 0 {
		return fmt.Errorf("export_interval must be positive")
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
