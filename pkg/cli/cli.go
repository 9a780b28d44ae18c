package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-mockhub/pkg/bootstrap"
	"github.com/amirimatin/go-mockhub/pkg/config"
	"github.com/amirimatin/go-mockhub/pkg/coordinator"
	"github.com/amirimatin/go-mockhub/pkg/internal/logutil"
	tracing "github.com/amirimatin/go-mockhub/pkg/observability/tracing"
	tlsx "github.com/amirimatin/go-mockhub/pkg/security/tlsconfig"
)

const (
	defaultPort     = 3000
	shutdownTimeout = 5 * time.Second
)

// routeFlags holds the single-route and config-file inputs of the root command.
type routeFlags struct {
	configFile string
	port       int
	host       string
	path       string
	methods    string
	response   string
	status     int
	schema     string
	headers    string
}

// ServerConfig builds the process configuration from a config file, or from
// the single-route flags when no file is given.
func (f routeFlags) ServerConfig(args []string) (config.ServerConfig, error) {
	if f.configFile != "" {
		cfg, err := config.Load(f.configFile)
		if err != nil {
			return cfg, err
		}
		if cfg.ListenPort == 0 {
			cfg.ListenPort = f.port
		}
		if cfg.Host == "" {
			cfg.Host = f.host
		}
		return cfg, nil
	}

	path := f.path
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return config.ServerConfig{}, errors.New("a path is required (positional argument or --path) unless --config is given")
	}
	rc := config.RouteConfig{Path: path, Response: f.response, StatusCode: f.status}
	for _, m := range strings.Split(f.methods, ",") {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			rc.Methods = append(rc.Methods, m)
		}
	}
	if f.schema != "" {
		if err := json.Unmarshal([]byte(f.schema), &rc.ValidationSchema); err != nil {
			return config.ServerConfig{}, fmt.Errorf("invalid --schema JSON: %w", err)
		}
	}
	if f.headers != "" {
		if err := json.Unmarshal([]byte(f.headers), &rc.Headers); err != nil {
			return config.ServerConfig{}, fmt.Errorf("invalid --headers JSON: %w", err)
		}
	}
	cfg := config.ServerConfig{ListenPort: f.port, Host: f.host, Routes: []config.RouteConfig{rc}}
	cfg.ApplyDefaults()
	return cfg, nil
}

// NewRootCmd returns the mockhub command: it serves the given route, joining
// an existing mockhub on the same port when there is one.
func NewRootCmd() *cobra.Command {
	var (
		rf                           routeFlags
		mgmtAddr, mgmtProto, discDir string
		logLevel                     string
		logJSON, traceEnable         bool
		tlsCert, tlsKey, tlsCA       string
	)
	cmd := &cobra.Command{
		Use:           "mockhub [path]",
		Short:         "Serve mock HTTP responses; processes on the same port share one server",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logutil.Setup(logutil.Config{Level: logLevel, JSON: logJSON})
			logger := logutil.New("cli")

			srvCfg, err := rf.ServerConfig(args)
			if err != nil {
				return err
			}
			if err := config.Validate(srvCfg); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true, os.Stderr)
				if err != nil {
					logger.Warn().Err(err).Msg("tracing setup error")
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			out := cmd.OutOrStdout()
			cfg := bootstrap.Config{
				Server:       srvCfg,
				DiscoveryDir: discDir,
				DiscoveryEnv: "MOCKHUB_DISCOVERY_DIR",
				MgmtAddr:     mgmtAddr,
				MgmtProto:    mgmtProto,
				TLSEnable:    tlsCert != "" || tlsKey != "",
				TLSCA:        tlsCA,
				TLSCert:      tlsCert,
				TLSKey:       tlsKey,
				OnRoleChange: func(role coordinator.Role) {
					switch role {
					case coordinator.RoleLeader:
						fmt.Fprintf(out, "Mock server running on port %d\n", srvCfg.ListenPort)
					case coordinator.RoleFollower:
						fmt.Fprintf(out, "Configuration added to existing mock server on port %d\n", srvCfg.ListenPort)
					}
				},
			}
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	// -h is the host shorthand; cobra only adds its own -h help flag when
	// "help" is not yet defined.
	f.Bool("help", false, "help for mockhub")
	f.StringVarP(&rf.configFile, "config", "c", "", "path to a JSON or YAML configuration file")
	f.IntVarP(&rf.port, "port", "p", defaultPort, "port to listen on")
	f.StringVarP(&rf.host, "host", "h", "", "host to bind (default all interfaces)")
	f.StringVarP(&rf.path, "path", "P", "", "route path (alternative to the positional argument)")
	f.StringVarP(&rf.methods, "methods", "m", "", "comma-separated HTTP methods (default any)")
	f.StringVarP(&rf.response, "response", "r", "", "inline JSON response or path to a response file")
	f.IntVarP(&rf.status, "status", "s", config.DefaultStatusCode, "response status code")
	f.StringVarP(&rf.schema, "schema", "V", "", "JSON schema for request body validation (JSON)")
	f.StringVarP(&rf.headers, "headers", "H", "", "response headers (JSON object)")
	f.StringVar(&mgmtAddr, "mgmt-addr", "", "management address (host:port) for status/metrics/healthz; disabled when empty")
	f.StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	f.StringVar(&discDir, "discovery-dir", "", "directory holding control port records (default system temp dir)")
	f.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	f.BoolVar(&logJSON, "log-json", false, "log as JSON lines")
	f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	f.StringVar(&tlsCert, "tls-cert", "", "certificate (PEM) to serve mocks over HTTPS")
	f.StringVar(&tlsKey, "tls-key", "", "private key (PEM) for --tls-cert")
	f.StringVar(&tlsCA, "tls-ca", "", "CA (PEM) required of client certificates")

	cmd.AddCommand(NewStatusCmd())
	return cmd
}

// run keeps a coordinator alive until ctx ends. A follower that loses its
// leader starts over, which either finds the new leader or takes over.
func run(ctx context.Context, cfg bootstrap.Config) error {
	logger := logutil.New("cli")
	for {
		c, err := bootstrap.Run(ctx, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			err := c.Shutdown(sctx)
			cancel()
			return err
		case <-c.Done():
		}
		if !errors.Is(c.Err(), coordinator.ErrLeaderLost) {
			if errors.Is(c.Err(), coordinator.ErrShutdown) {
				return nil
			}
			return c.Err()
		}
		logger.Warn().Msg("leader lost, re-running election")
	}
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr, mgmtProto, tlsCA, tlsServerName string
		tlsEnable, tlsSkip                    bool
		timeout                               time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch a mockhub process's status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			topts := tlsx.Options{Enable: tlsEnable, CAFile: tlsCA, InsecureSkipVerify: tlsSkip, ServerName: tlsServerName}
			cliTLS, err := topts.Client()
			if err != nil {
				return fmt.Errorf("tls client config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			data, err := bootstrap.StatusClient(mgmtProto, timeout, cliTLS).GetStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = out.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				_, _ = out.Write([]byte("\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a mockhub process (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "use TLS for the management transport")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
	return cmd
}
