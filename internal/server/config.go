// Package server runs the device bridge: it prepares the certificate
// engine, then serves certificate exchange on a plain port and device
// traffic on a mutual-TLS port until shutdown.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"devbridge/internal/certengine"
	"devbridge/internal/certtool"
	"devbridge/internal/logger"
)

// Tooling backend names.
const (
	ToolingNative  = "native"
	ToolingOpenSSL = "openssl"
)

// Config holds the configuration for the device bridge.
type Config struct {
	// CertDir is where the CA and server material live.
	CertDir string `yaml:"cert_dir"`

	// InsecurePort serves certificate exchange; SecurePort serves mutual TLS.
	// 0 picks a free port.
	InsecurePort int    `yaml:"insecure_port"`
	SecurePort   int    `yaml:"secure_port"`
	Host         string `yaml:"host"`

	// Tooling selects the certificate backend: "native" or "openssl".
	Tooling string `yaml:"tooling"`

	ExpiryWindow time.Duration `yaml:"expiry_window"`
	CAValidity   time.Duration `yaml:"ca_validity"`
	CertValidity time.Duration `yaml:"cert_validity"`

	// MetricsAddr serves /metrics when set, e.g. "127.0.0.1:9090".
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns a Config with the historical ports and paths.
func DefaultConfig() Config {
	root, _ := certengine.DefaultRoot()
	return Config{
		CertDir:      root,
		InsecurePort: 9089,
		SecurePort:   9088,
		Tooling:      ToolingNative,
		ExpiryWindow: certengine.DefaultExpiryWindow,
		CAValidity:   certengine.DefaultCAValidity,
		CertValidity: certengine.DefaultCertValidity,
		LogLevel:     "info",
		LogFormat:    logger.FormatConsole,
	}
}

// LoadConfig reads a YAML file over DefaultConfig. An empty path returns
// the defaults. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	for _, p := range []struct {
		name string
		port int
	}{{"insecure_port", c.InsecurePort}, {"secure_port", c.SecurePort}} {
		if p.port < 0 || p.port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", p.name, p.port))
		}
	}
	if c.InsecurePort != 0 && c.InsecurePort == c.SecurePort {
		errs = append(errs, fmt.Errorf("insecure_port and secure_port are both %d", c.SecurePort))
	}
	if c.Tooling != ToolingNative && c.Tooling != ToolingOpenSSL {
		errs = append(errs, fmt.Errorf("tooling %q must be %q or %q", c.Tooling, ToolingNative, ToolingOpenSSL))
	}
	if c.ExpiryWindow <= 0 {
		errs = append(errs, errors.New("expiry_window must be positive"))
	}
	if c.CAValidity <= c.ExpiryWindow {
		errs = append(errs, fmt.Errorf("ca_validity %s must exceed expiry_window %s", c.CAValidity, c.ExpiryWindow))
	}
	if c.CertValidity <= c.ExpiryWindow {
		errs = append(errs, fmt.Errorf("cert_validity %s must exceed expiry_window %s", c.CertValidity, c.ExpiryWindow))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != logger.FormatConsole && c.LogFormat != logger.FormatJSON {
		errs = append(errs, fmt.Errorf("log_format %q must be %q or %q", c.LogFormat, logger.FormatConsole, logger.FormatJSON))
	}
	return errors.Join(errs...)
}

// NewTooling returns the configured certificate backend.
func (c Config) NewTooling() (certtool.Tooling, error) {
	switch c.Tooling {
	case ToolingNative, "":
		return certtool.NewNative(), nil
	case ToolingOpenSSL:
		return certtool.NewOpenSSL(), nil
	default:
		return nil, fmt.Errorf("unknown tooling %q", c.Tooling)
	}
}
