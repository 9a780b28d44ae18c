package coordinator

import (
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirimatin/go-mockhub/pkg/config"
	"github.com/amirimatin/go-mockhub/pkg/discovery"
	"github.com/amirimatin/go-mockhub/pkg/membership"
	"github.com/amirimatin/go-mockhub/pkg/transport"
	"github.com/amirimatin/go-mockhub/pkg/transport/tcp"
)

const (
	DefaultElectionAttempts = 3
	DefaultElectionInterval = 333 * time.Millisecond
)

// Options carries the collaborators and timings of one Coordinator. Instances
// are typically produced from bootstrap.Config.
type Options struct {
	// PID identifies this process to the leader. Defaults to os.Getpid().
	PID int
	// Config is this process's own route configuration.
	Config    config.ServerConfig
	Discovery discovery.Store

	// Handler serves mock requests when this process leads. When nil a
	// mockhttp.Handler over the coordinator's own route table is used.
	Handler http.Handler
	// TLS, when set, serves the mock listener over HTTPS.
	TLS *tls.Config

	// Optional management endpoint, started in either role.
	RPCServer transport.RPCServer

	ElectionAttempts  int
	ElectionInterval  time.Duration
	GracePeriod       time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int
	DialTimeout       time.Duration

	Logger *zerolog.Logger

	// Optional hooks.
	OnRoleChange func(role Role)
}

func (o *Options) defaults() {
	if o.PID == 0 {
		o.PID = os.Getpid()
	}
	if o.ElectionAttempts <= 0 {
		o.ElectionAttempts = DefaultElectionAttempts
	}
	if o.ElectionInterval <= 0 {
		o.ElectionInterval = DefaultElectionInterval
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = membership.DefaultGracePeriod
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = tcp.DefaultReconnectDelay
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = tcp.DefaultReconnectAttempts
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = tcp.DefaultDialTimeout
	}
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.Discovery == nil {
		return errors.New("coordinator: nil Discovery")
	}
	if o.PID < 0 {
		return errors.New("coordinator: negative PID")
	}
	return config.Validate(o.Config)
}
