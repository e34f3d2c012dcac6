package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"devbridge/internal/logger"
	"devbridge/internal/server"
	"devbridge/internal/version"
)

var (
	cfgFile   string
	certDir   string
	logLevel  string
	logFormat string
	tooling   string

	insecurePort int
	securePort   int
	host         string
	metricsAddr  string
)

var rootCmd = &cobra.Command{
	Use:           "devbridge",
	Short:         "Secure device connection server for desktop debugging",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Prepare certificates and accept device connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		srv, err := server.New(cfg, log)
		if err != nil {
			return err
		}
		return srv.Run(cmd.Context())
	},
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Print the CA certificate, creating it if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		engine, err := server.NewEngine(cfg, log)
		if err != nil {
			return err
		}
		if _, err := engine.CA().EnsureExists(cmd.Context()); err != nil {
			return err
		}
		pem, err := engine.CA().CertificateBytes()
		if err != nil {
			return err
		}
		log.Info("CA ready", zap.String("state", engine.State().String()), zap.String("path", engine.Paths().CACert()))
		_, err = cmd.OutOrStdout().Write(pem)
		return err
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <csr-file>",
	Short: "Sign a device CSR with the CA and print the certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		csr, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read CSR: %w", err)
		}
		engine, err := server.NewEngine(cfg, log)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if _, err := engine.CA().EnsureExists(ctx); err != nil {
			return err
		}
		app, err := engine.Issuer().ExtractIdentity(ctx, string(csr))
		if err != nil {
			return err
		}
		cert, err := engine.Issuer().Sign(ctx, string(csr))
		if err != nil {
			return err
		}
		log.Info("signed client certificate", zap.String("app", app))
		_, err = fmt.Fprint(cmd.OutOrStdout(), cert)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

// setup loads the config file, applies flags that were set explicitly and
// builds the logger.
func setup(cmd *cobra.Command) (server.Config, *zap.Logger, error) {
	cfg, err := server.LoadConfig(cfgFile)
	if err != nil {
		return cfg, nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("cert-dir") {
		cfg.CertDir = certDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flags.Changed("tooling") {
		cfg.Tooling = tooling
	}
	if flags.Changed("insecure-port") {
		cfg.InsecurePort = insecurePort
	}
	if flags.Changed("secure-port") {
		cfg.SecurePort = securePort
	}
	if flags.Changed("host") {
		cfg.Host = host
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, fmt.Errorf("configuration error: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	pf.StringVar(&certDir, "cert-dir", "", "certificate directory (default $HOME/.flipper/certs)")
	pf.StringVar(&tooling, "tooling", server.ToolingNative, "certificate backend: native|openssl")
	pf.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&logFormat, "log-format", logger.FormatConsole, "log format: console|json")

	f := serveCmd.Flags()
	f.IntVar(&insecurePort, "insecure-port", 9089, "plain port for certificate exchange")
	f.IntVar(&securePort, "secure-port", 9088, "mutual-TLS port")
	f.StringVar(&host, "host", "", "bind host (default all interfaces)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(serveCmd, caCmd, signCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
