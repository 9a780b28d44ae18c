package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirimatin/go-mockhub/pkg/discovery"
	"github.com/amirimatin/go-mockhub/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-mockhub/pkg/observability/metrics"
	"github.com/amirimatin/go-mockhub/pkg/transport"
)

// Outcome is the result of a single discovery+dial attempt.
type Outcome int

const (
	// Connected means a live control connection to the leader exists.
	Connected Outcome = iota + 1
	// NoStoredPort means no leader has published a control port for the
	// HTTP port; no dial was attempted.
	NoStoredPort
	// FailedToConnect means a control port was recorded but dialing it
	// failed, typically because the leader died without cleaning up.
	FailedToConnect
)

func (o Outcome) String() string {
	switch o {
	case Connected:
		return "connected"
	case NoStoredPort:
		return "no_stored_port"
	case FailedToConnect:
		return "failed_to_connect"
	default:
		return "unknown"
	}
}

const (
	DefaultReconnectDelay    = time.Second
	DefaultReconnectAttempts = 5
	DefaultDialTimeout       = time.Second
)

var (
	ErrNotConnected = errors.New("tcp: not connected to control server")
	ErrClientClosed = errors.New("tcp: control client closed")
	// ErrGaveUp is the terminal error after reconnection attempts ran out.
	ErrGaveUp = errors.New("tcp: gave up reconnecting to control server")
)

// DialFunc opens a control connection; replaceable for tests.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// ClientOptions configures a follower's control client.
type ClientOptions struct {
	Discovery discovery.Store
	Dial      DialFunc

	DialTimeout       time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int

	// OnReconnect runs after a lost connection was re-established. Followers
	// use it to re-announce themselves so the leader keeps their routes.
	OnReconnect func()
	// OnGiveUp runs once when reconnection attempts are exhausted.
	OnGiveUp func(err error)

	Logger *zerolog.Logger
}

// Client locates the leader for an HTTP port through the discovery store and
// keeps a control connection to it, reconnecting after unexpected closes.
type Client struct {
	opts   ClientOptions
	logger *zerolog.Logger

	mu       sync.Mutex
	conn     net.Conn
	httpPort int
	lastPort int
	closed   bool
	err      error
	done     chan struct{}
	stop     chan struct{}
}

func NewClient(opts ClientOptions) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) { return d.DialContext(ctx, "tcp", addr) }
	}
	return &Client{
		opts:   opts,
		logger: logutil.Or(opts.Logger, "control-client"),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// Connect looks up the control port for httpPort and dials it once. The
// returned error describes a FailedToConnect outcome, or a closed client.
func (c *Client) Connect(ctx context.Context, httpPort int) (Outcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return FailedToConnect, ErrClientClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return Connected, nil
	}
	c.httpPort = httpPort
	c.mu.Unlock()

	conn, outcome, err := c.dial(ctx, httpPort)
	if outcome != Connected {
		return outcome, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return FailedToConnect, ErrClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.monitor(conn)
	return Connected, nil
}

func (c *Client) dial(ctx context.Context, httpPort int) (net.Conn, Outcome, error) {
	if c.opts.Discovery == nil {
		return nil, NoStoredPort, nil
	}
	port, ok := c.opts.Discovery.Load(httpPort)
	if !ok {
		c.logger.Debug().Int("http_port", httpPort).Msg("no stored control port")
		return nil, NoStoredPort, nil
	}
	c.mu.Lock()
	c.lastPort = port
	c.mu.Unlock()
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, err := c.opts.Dial(dctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		c.logger.Debug().Err(err).Int("control_port", port).Msg("failed to connect to stored control port")
		return nil, FailedToConnect, fmt.Errorf("dial control port %d: %w", port, err)
	}
	c.logger.Debug().Int("control_port", port).Msg("connected to control server")
	return conn, Connected, nil
}

// monitor blocks on conn until it fails. The leader never writes, so any
// read result other than a block means the connection is gone.
func (c *Client) monitor(conn net.Conn) {
	var buf [64]byte
	for {
		if _, err := conn.Read(buf[:]); err != nil {
			break
		}
	}
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
	c.logger.Warn().Msg("control connection lost, reconnecting")
	c.reconnect()
}

func (c *Client) reconnect() {
	c.mu.Lock()
	httpPort := c.httpPort
	c.mu.Unlock()

	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		select {
		case <-c.stop:
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
		conn, outcome, err := c.dial(context.Background(), httpPort)
		if outcome != Connected {
			obsmetrics.Reconnects.WithLabelValues("failed").Inc()
			c.logger.Debug().Err(err).Int("attempt", attempt).Str("outcome", outcome.String()).Msg("reconnect attempt failed")
			continue
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		obsmetrics.Reconnects.WithLabelValues("succeeded").Inc()
		c.logger.Info().Int("attempt", attempt).Msg("reconnected to control server")
		go c.monitor(conn)
		if c.opts.OnReconnect != nil {
			c.opts.OnReconnect()
		}
		return
	}
	c.terminate(ErrGaveUp)
	c.logger.Error().Int("attempts", c.opts.ReconnectAttempts).Msg("giving up on control server")
	if c.opts.OnGiveUp != nil {
		c.opts.OnGiveUp(ErrGaveUp)
	}
}

// Send writes msg as one frame. It resolves when the write completes; the
// protocol has no acknowledgement.
func (c *Client) Send(ctx context.Context, msg transport.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	b, err := transport.Encode(msg)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

// StoredPort returns the control port most recently read from discovery.
func (c *Client) StoredPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPort
}

// Connected reports whether a live connection exists right now.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Done is closed once the client is closed or has given up reconnecting.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why Done was closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears down the connection and stops reconnection. Later sends fail.
func (c *Client) Close() error {
	conn := c.terminate(ErrClientClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) terminate(reason error) net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.err = reason
	conn := c.conn
	c.conn = nil
	close(c.stop)
	close(c.done)
	return conn
}
