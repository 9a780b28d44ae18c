// Package coordinator decides whether a mockhub process serves HTTP itself
// (leader) or hands its routes to the process that already does (follower).
package coordinator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-mockhub/pkg/config"
	"github.com/amirimatin/go-mockhub/pkg/internal/logutil"
	"github.com/amirimatin/go-mockhub/pkg/mockhttp"
	obsmetrics "github.com/amirimatin/go-mockhub/pkg/observability/metrics"
	"github.com/amirimatin/go-mockhub/pkg/observability/tracing"
	"github.com/amirimatin/go-mockhub/pkg/state/registry"
	"github.com/amirimatin/go-mockhub/pkg/transport"
	"github.com/amirimatin/go-mockhub/pkg/transport/tcp"
)

// Coordinator owns one process's participation for a single HTTP port.
//
// Lifecycle: Unstarted → Electing → {Leader, Follower} → Shutdown. A follower
// whose leader disappears for good ends in Shutdown with Err() ==
// ErrLeaderLost; callers start a fresh Coordinator to re-run the election.
type Coordinator struct {
	opts   Options
	logger *zerolog.Logger
	routes *registry.Registry
	eb     eventBus

	// applyMu orders registry changes from control messages and expiries.
	applyMu sync.Mutex

	mu         sync.Mutex
	role       Role
	server     *tcp.Server
	client     *tcp.Client
	httpSrv    *http.Server
	rpcStarted bool
	err        error
	done       chan struct{}
}

// New constructs a Coordinator from validated options. It performs no network
// activity; call Start to run the election.
func New(opts Options) (*Coordinator, error) {
	opts.defaults()
	opts.Config.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		opts:   opts,
		logger: logutil.Or(opts.Logger, "coordinator"),
		routes: registry.New(),
		role:   RoleUnstarted,
		done:   make(chan struct{}),
	}, nil
}

// Start runs the election and settles into the leader or follower role. It
// returns once the role is established; the Coordinator then keeps running
// until Shutdown or, for a follower, until the leader is lost.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.role {
	case RoleUnstarted:
	case RoleShutdown:
		c.mu.Unlock()
		return ErrShutdown
	default:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.role = RoleElecting
	c.mu.Unlock()
	c.announceRole(RoleElecting)

	obsmetrics.Register()
	ctx, end := tracing.StartSpan(ctx, "coordinator.start",
		attribute.Int("http_port", c.opts.Config.ListenPort), attribute.Int("pid", c.opts.PID))
	defer end()

	var err error
	for round := 1; round <= c.opts.ElectionAttempts; round++ {
		if round > 1 {
			if err := sleepCtx(ctx, c.opts.ElectionInterval); err != nil {
				return c.abort(err)
			}
		}
		var client *tcp.Client
		client, err = c.elect(ctx)
		if err != nil {
			return c.abort(err)
		}
		if client != nil {
			err = c.follow(ctx, client)
		} else {
			err = c.lead(ctx)
		}
		if err == nil {
			break
		}
		if errors.Is(err, ErrShutdown) || ctx.Err() != nil {
			return c.abort(err)
		}
		c.logger.Warn().Err(err).Int("round", round).Msg("election round failed")
	}
	if err != nil {
		return c.abort(err)
	}

	if c.opts.RPCServer != nil {
		statusFn := func(ctx context.Context) ([]byte, error) { return c.statusJSON(ctx) }
		if err := c.opts.RPCServer.Start(ctx, statusFn); err != nil {
			return c.abort(fmt.Errorf("management endpoint: %w", err))
		}
		c.mu.Lock()
		c.rpcStarted = true
		c.mu.Unlock()
		c.logger.Info().Str("addr", c.opts.RPCServer.Addr()).Msg("management endpoint listening (status/metrics/healthz)")
	}
	return nil
}

// elect looks for a live leader. A non-nil client means one was reached; nil
// means this process should lead.
func (c *Coordinator) elect(ctx context.Context) (*tcp.Client, error) {
	ctx, end := tracing.StartSpan(ctx, "coordinator.elect")
	defer end()

	port := c.opts.Config.ListenPort
	var client *tcp.Client
	client = tcp.NewClient(tcp.ClientOptions{
		Discovery:         c.opts.Discovery,
		DialTimeout:       c.opts.DialTimeout,
		ReconnectDelay:    c.opts.ReconnectDelay,
		ReconnectAttempts: c.opts.ReconnectAttempts,
		OnReconnect:       func() { c.reannounce(client) },
		OnGiveUp:          func(error) { c.leaderLost(client) },
		Logger:            c.opts.Logger,
	})

	for attempt := 1; attempt <= c.opts.ElectionAttempts; attempt++ {
		outcome, err := client.Connect(ctx, port)
		switch outcome {
		case tcp.Connected:
			obsmetrics.ElectionOutcomes.WithLabelValues("follower").Inc()
			return client, nil
		case tcp.NoStoredPort:
			obsmetrics.ElectionOutcomes.WithLabelValues("no_stored_port").Inc()
			_ = client.Close()
			return nil, nil
		}
		c.logger.Debug().Err(err).Int("attempt", attempt).Msg("stored control port unreachable")
		if attempt < c.opts.ElectionAttempts {
			if err := sleepCtx(ctx, c.opts.ElectionInterval); err != nil {
				_ = client.Close()
				return nil, err
			}
		}
	}

	obsmetrics.ElectionOutcomes.WithLabelValues("stale_port").Inc()
	stale := client.StoredPort()
	_ = client.Close()
	c.logger.Warn().Int("control_port", stale).Msg("stored control port is stale, taking over")
	if err := c.opts.Discovery.ClearIf(port, stale); err != nil {
		c.logger.Warn().Err(err).Msg("failed to clear stale control port")
	}
	return nil, nil
}

// lead binds the mock listener, then publishes the control server. Binding
// first means a process that loses the port never advertises itself.
func (c *Coordinator) lead(ctx context.Context) error {
	cfg := c.opts.Config
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHTTPBind, addr, err)
	}

	var srv *tcp.Server
	srv = tcp.NewServer(tcp.ServerOptions{
		HTTPPort:     cfg.ListenPort,
		Discovery:    c.opts.Discovery,
		OnMessage:    c.onMessage,
		OnDisconnect: func(pid int) { c.onExpire(srv, pid) },
		GracePeriod:  c.opts.GracePeriod,
		Logger:       c.opts.Logger,
	})
	if err := srv.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	if err := c.routes.ApplyAdd(c.opts.PID, cfg); err != nil {
		_ = srv.Close()
		_ = ln.Close()
		return err
	}
	obsmetrics.Registrants.Set(float64(c.routes.Len()))

	handler := c.opts.Handler
	if handler == nil {
		handler = mockhttp.New(c, c.opts.Logger)
	}
	scheme := "http"
	if c.opts.TLS != nil {
		ln = tls.NewListener(ln, c.opts.TLS)
		scheme = "https"
	}
	hs := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	c.mu.Lock()
	if c.role == RoleShutdown {
		c.mu.Unlock()
		_ = srv.Close()
		_ = ln.Close()
		return ErrShutdown
	}
	c.server, c.httpSrv, c.role = srv, hs, RoleLeader
	c.mu.Unlock()

	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("mock listener stopped")
			go func() { _ = c.stop(context.Background(), err) }()
		}
	}()

	c.logger.Info().
		Str("url", fmt.Sprintf("%s://%s", scheme, addr)).
		Int("control_port", srv.Port()).
		Strs("paths", cfg.Paths()).
		Msg("mock server is running")
	c.announceRole(RoleLeader)
	return nil
}

func (c *Coordinator) follow(ctx context.Context, client *tcp.Client) error {
	if err := client.Send(ctx, transport.AddConfig{PID: c.opts.PID, Config: c.opts.Config}); err != nil {
		_ = client.Close()
		return fmt.Errorf("register with leader: %w", err)
	}
	c.mu.Lock()
	if c.role == RoleShutdown {
		c.mu.Unlock()
		_ = client.Close()
		return ErrShutdown
	}
	c.client, c.role = client, RoleFollower
	c.mu.Unlock()

	c.logger.Info().
		Int("port", c.opts.Config.ListenPort).
		Strs("paths", c.opts.Config.Paths()).
		Msg("configuration added to existing mock server")
	c.announceRole(RoleFollower)
	return nil
}

// reannounce re-sends this follower's config after a reconnect; the leader
// treats it as proof of life and keeps the routes.
func (c *Coordinator) reannounce(client *tcp.Client) {
	msg := transport.AddConfig{PID: c.opts.PID, Config: c.opts.Config}
	if err := client.Send(context.Background(), msg); err != nil {
		c.logger.Warn().Err(err).Msg("failed to re-send configuration after reconnect")
		return
	}
	c.logger.Info().Msg("reconnected to mock server leader")
	c.eb.publish(Event{Type: EventReconnected, PID: c.opts.PID})
}

func (c *Coordinator) leaderLost(client *tcp.Client) {
	c.mu.Lock()
	current := c.client == client
	c.mu.Unlock()
	if !current {
		return
	}
	c.logger.Error().Msg("lost connection to mock server leader")
	c.eb.publish(Event{Type: EventLeaderLost, PID: c.opts.PID})
	_ = c.stop(context.Background(), ErrLeaderLost)
}

// onMessage applies follower registrations on the leader.
func (c *Coordinator) onMessage(_ context.Context, msg transport.Message) {
	pid := msg.Sender()
	log := c.logger.With().Int("pid", pid).Str("type", string(msg.Type())).Logger()
	if pid == c.opts.PID {
		log.Warn().Msg("ignoring control message carrying the leader's own pid")
		return
	}
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	switch m := msg.(type) {
	case transport.AddConfig:
		cfg := m.Config
		cfg.ApplyDefaults()
		if err := config.Validate(cfg); err != nil {
			log.Warn().Err(err).Msg("dropping invalid follower configuration")
			return
		}
		if cfg.ListenPort != c.opts.Config.ListenPort {
			log.Warn().Int("port", cfg.ListenPort).Int("expected", c.opts.Config.ListenPort).Msg("dropping follower configuration for another port")
			return
		}
		replaced := c.routes.Has(pid)
		if err := c.routes.ApplyAdd(pid, cfg); err != nil {
			log.Warn().Err(err).Msg("dropping follower configuration")
			return
		}
		obsmetrics.Registrants.Set(float64(c.routes.Len()))
		if replaced {
			log.Debug().Strs("paths", cfg.Paths()).Msg("follower configuration refreshed")
		} else {
			log.Info().Strs("paths", cfg.Paths()).Msg("follower configuration registered")
		}
		c.eb.publish(Event{Type: EventRegistered, PID: pid})
	case transport.RemoveConfig:
		if !c.routes.ApplyRemove(pid) {
			log.Debug().Msg("remove for unknown pid ignored")
			return
		}
		obsmetrics.Registrants.Set(float64(c.routes.Len()))
		log.Info().Msg("follower configuration removed")
		c.eb.publish(Event{Type: EventUnregistered, PID: pid})
	}
}

// onExpire drops the routes of a follower whose grace period elapsed. A pid
// that srv tracks again has reconnected since the timer fired and keeps them.
func (c *Coordinator) onExpire(srv *tcp.Server, pid int) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	if srv.Has(pid) {
		c.logger.Debug().Int("pid", pid).Msg("expired follower already reattached")
		return
	}
	if !c.routes.ApplyRemove(pid) {
		return
	}
	obsmetrics.Registrants.Set(float64(c.routes.Len()))
	c.logger.Info().Int("pid", pid).Msg("follower routes dropped after grace period")
	c.eb.publish(Event{Type: EventExpired, PID: pid})
}

// Resolve returns the first route matching path, scanning registrants in
// registration order. Only a leader has routes to resolve.
func (c *Coordinator) Resolve(path string) (config.RouteConfig, bool) {
	return c.routes.Resolve(path)
}

// Role reports the current lifecycle state.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// ManagementAddr is the bound management endpoint address, or "" when none
// is configured.
func (c *Coordinator) ManagementAddr() string {
	if c.opts.RPCServer == nil {
		return ""
	}
	return c.opts.RPCServer.Addr()
}

// PID is the identity this coordinator registers under.
func (c *Coordinator) PID() int { return c.opts.PID }

// Status returns a snapshot of the coordinator's role and, when leading, the
// registrants and follower connections.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	_, end := tracing.StartSpan(ctx, "coordinator.status")
	defer end()

	c.mu.Lock()
	role, srv, err := c.role, c.server, c.err
	c.mu.Unlock()

	st := &Status{Role: role, PID: c.opts.PID, ListenPort: c.opts.Config.ListenPort}
	switch role {
	case RoleLeader:
		if srv != nil {
			st.ControlPort = srv.Port()
			st.Followers = srv.Members()
		}
		for _, e := range c.routes.Entries() {
			st.Registrants = append(st.Registrants, Registrant{PID: e.PID, Paths: e.Config.Paths()})
		}
	case RoleFollower:
		if port, ok := c.opts.Discovery.Load(c.opts.Config.ListenPort); ok {
			st.ControlPort = port
		}
	}
	if err != nil && !errors.Is(err, ErrShutdown) {
		st.Warnings = append(st.Warnings, err.Error())
	}
	return st, nil
}

func (c *Coordinator) statusJSON(ctx context.Context) ([]byte, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

// Done is closed when the coordinator has shut down, either on request or
// because a follower lost its leader.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err is nil until Done is closed. It then returns ErrShutdown, ErrLeaderLost
// or the error that stopped the mock listener.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Shutdown withdraws this process. A follower sends RemoveConfig before
// closing its connection; a leader stops the mock listener, closes follower
// connections and clears its discovery record. It is idempotent.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.stop(ctx, ErrShutdown)
}

// Close is a convenience alias for Shutdown with a background context.
func (c *Coordinator) Close() error { return c.Shutdown(context.Background()) }

func (c *Coordinator) abort(err error) error {
	_ = c.stop(context.Background(), err)
	return err
}

func (c *Coordinator) stop(ctx context.Context, reason error) error {
	c.mu.Lock()
	if c.role == RoleShutdown {
		c.mu.Unlock()
		return nil
	}
	prev := c.role
	c.role = RoleShutdown
	c.err = reason
	srv, client, hs, rpc := c.server, c.client, c.httpSrv, c.rpcStarted
	c.server, c.client, c.httpSrv, c.rpcStarted = nil, nil, nil, false
	c.mu.Unlock()

	var errs []error
	if client != nil {
		if prev == RoleFollower && !errors.Is(reason, ErrLeaderLost) {
			if err := client.Send(ctx, transport.RemoveConfig{PID: c.opts.PID}); err != nil {
				c.logger.Debug().Err(err).Msg("could not withdraw configuration from leader")
			}
		}
		errs = append(errs, client.Close())
	}
	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			errs = append(errs, hs.Close())
		}
	}
	if srv != nil {
		errs = append(errs, srv.Close())
	}
	if rpc {
		errs = append(errs, c.opts.RPCServer.Stop(ctx))
	}
	if prev == RoleLeader {
		obsmetrics.IsLeader.Set(0)
		obsmetrics.Registrants.Set(0)
	}
	close(c.done)
	c.logger.Debug().Str("from", string(prev)).AnErr("reason", reason).Msg("coordinator stopped")
	c.announceRole(RoleShutdown)
	return errors.Join(errs...)
}

func (c *Coordinator) announceRole(role Role) {
	if role == RoleLeader {
		obsmetrics.IsLeader.Set(1)
	}
	c.eb.publish(Event{Type: EventRoleChanged, PID: c.opts.PID, Role: role})
	if c.opts.OnRoleChange != nil {
		c.opts.OnRoleChange(role)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
