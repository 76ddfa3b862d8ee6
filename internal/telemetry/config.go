package telemetry

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Config selects the OTLP collector and what is exported to it. The agent
// fills it from config.ObservabilityConfig.
type Config struct {
	Enabled        bool
	Endpoint       string // host:port, optionally with an http(s) scheme for http/protobuf
	Protocol       string // "grpc" or "http/protobuf"
	ServiceName    string
	ServiceVersion string

	Insecure bool
	// TLSSkipVerify accepts collector certificates from internal CAs.
	TLSSkipVerify bool

	// SampleRate is the fraction of root traces kept, 0 to 1. Child spans
	// follow their parent.
	SampleRate float64

	Metrics        bool
	ExportInterval time.Duration

	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns a disabled config pointing at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		ServiceName:     "elexd",
		ServiceVersion:  "dev",
		Insecure:        true,
		SampleRate:      1,
		Metrics:         true,
		ExportInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate is a no-op for a disabled config.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if c.Insecure && !c.isLocalEndpoint() {
		errs = append(errs, fmt.Errorf("insecure connections are only allowed to loopback collectors, got %q", c.Endpoint))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service_name is required"))
	}
	if c.ServiceVersion == "" {
		errs = append(errs, errors.New("service_version is required"))
	}
	if c.Protocol != "" && c.Protocol != "grpc" && c.Protocol != protocolHTTP {
		errs = append(errs, fmt.Errorf("protocol must be grpc or %s, got %q", protocolHTTP, c.Protocol))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("sampling.rate must be within [0, 1], got %g", c.SampleRate))
	}
	if c.Metrics && c.ExportInterval <= 0 {
		errs = append(errs, errors.New("metrics export_interval must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown.timeout must be positive"))
	}
	return errors.Join(errs...)
}

// isLocalEndpoint reports whether the endpoint host is localhost or a
// loopback address.
func (c *Config) isLocalEndpoint() bool {
	host := stripScheme(c.Endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.IsLoopback()
}
