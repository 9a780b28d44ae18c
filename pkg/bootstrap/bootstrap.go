package bootstrap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirimatin/go-mockhub/pkg/config"
	"github.com/amirimatin/go-mockhub/pkg/coordinator"
	"github.com/amirimatin/go-mockhub/pkg/discovery"
	dFile "github.com/amirimatin/go-mockhub/pkg/discovery/file"
	dMemory "github.com/amirimatin/go-mockhub/pkg/discovery/memory"
	tlsx "github.com/amirimatin/go-mockhub/pkg/security/tlsconfig"
	"github.com/amirimatin/go-mockhub/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-mockhub/pkg/transport/grpc"
	"github.com/amirimatin/go-mockhub/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a coordinator with sensible
// defaults. Applications embed mockhub by providing this structure and
// calling Build/Run.
type Config struct {
	// Server is this process's route configuration.
	Server config.ServerConfig
	// PID overrides the process id used as registry identity (tests, embedders
	// running several coordinators in one process).
	PID int

	// Discovery settings
	DiscoveryKind string // "file" (default) or "memory"
	DiscoveryDir  string // used when kind=file; default os.TempDir()
	DiscoveryEnv  string // used when kind=file; env var overriding the dir
	// Discovery, when set, is used as-is and the settings above are ignored.
	Discovery discovery.Store

	// Management API (status/metrics/healthz); disabled when MgmtAddr is empty.
	MgmtAddr  string // host:port
	MgmtProto string // "http" (default) or "grpc"

	// TLS (optional) for the mock listener and the management API.
	TLSEnable bool
	TLSCA     string
	TLSCert   string
	TLSKey    string

	// Timing overrides; zero keeps the coordinator defaults.
	GracePeriod       time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int

	// Logger (optional). If nil, the process-wide base logger is used.
	Logger *zerolog.Logger

	OnRoleChange func(role coordinator.Role)
}

// Build assembles a coordinator.Coordinator from Config without starting it.
func Build(cfg Config) (*coordinator.Coordinator, error) {
	disc := cfg.Discovery
	if disc == nil {
		switch cfg.DiscoveryKind {
		case "memory":
			disc = dMemory.New()
		default:
			disc = dFile.New(dFile.Options{Dir: cfg.DiscoveryDir, Env: cfg.DiscoveryEnv, Logger: cfg.Logger})
		}
	}

	var srvTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey}
		// Hot-reload allows rotation by replacing files.
		s, err := topts.ServerHotReload()
		if err != nil {
			return nil, err
		}
		srvTLS = s
	}

	var mgmt transport.RPCServer
	if cfg.MgmtAddr != "" {
		switch cfg.MgmtProto {
		case "grpc":
			s := mgmtgrpc.NewServer(cfg.MgmtAddr)
			if srvTLS != nil {
				s.UseTLS(srvTLS)
			}
			mgmt = s
		default:
			s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
			if srvTLS != nil {
				s.UseTLS(srvTLS)
			}
			mgmt = s
		}
	}

	return coordinator.New(coordinator.Options{
		PID:               cfg.PID,
		Config:            cfg.Server,
		Discovery:         disc,
		TLS:               srvTLS,
		RPCServer:         mgmt,
		GracePeriod:       cfg.GracePeriod,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectAttempts: cfg.ReconnectAttempts,
		Logger:            cfg.Logger,
		OnRoleChange:      cfg.OnRoleChange,
	})
}

// Run builds and starts the coordinator, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*coordinator.Coordinator, error) {
	c, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// StatusClient returns a management client for proto ("http" or "grpc").
func StatusClient(proto string, timeout time.Duration, tlsCfg *tls.Config) transport.RPCClient {
	if proto == "grpc" {
		c := mgmtgrpc.NewClient(timeout)
		if tlsCfg != nil {
			c.UseTLS(tlsCfg)
		}
		return c
	}
	c := httpjson.NewClient(timeout)
	if tlsCfg != nil {
		c.UseTLS(tlsCfg)
	}
	return c
}
