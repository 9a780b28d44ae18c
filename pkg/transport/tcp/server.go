package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-mockhub/pkg/discovery"
	"github.com/amirimatin/go-mockhub/pkg/internal/logutil"
	"github.com/amirimatin/go-mockhub/pkg/membership"
	obsmetrics "github.com/amirimatin/go-mockhub/pkg/observability/metrics"
	"github.com/amirimatin/go-mockhub/pkg/observability/tracing"
	"github.com/amirimatin/go-mockhub/pkg/transport"
)

// Control ports are picked from the IANA dynamic range.
const (
	PortRangeStart      = 49152
	PortRangeEnd        = 65535
	DefaultBindAttempts = 10
)

var (
	ErrNoControlPort = errors.New("tcp: no free control port")
	ErrServerClosed  = errors.New("tcp: control server closed")
)

// ServerOptions configures the leader's control-channel endpoint.
type ServerOptions struct {
	// HTTPPort is the mock listener port this server is registered against.
	HTTPPort  int
	Discovery discovery.Store

	// OnMessage receives every decoded message in per-connection arrival
	// order. It is called without any server lock held.
	OnMessage func(ctx context.Context, msg transport.Message)
	// OnDisconnect is called once for a pid whose connection closed and who
	// did not come back within GracePeriod.
	OnDisconnect func(pid int)

	GracePeriod  time.Duration
	BindAttempts int
	// RangeStart/RangeEnd override the probed port range (tests).
	RangeStart, RangeEnd int

	Logger *zerolog.Logger
}

func (o *ServerOptions) defaults() {
	if o.GracePeriod <= 0 {
		o.GracePeriod = membership.DefaultGracePeriod
	}
	if o.BindAttempts <= 0 {
		o.BindAttempts = DefaultBindAttempts
	}
	if o.RangeStart <= 0 || o.RangeEnd < o.RangeStart {
		o.RangeStart, o.RangeEnd = PortRangeStart, PortRangeEnd
	}
}

// Server accepts loopback connections from follower processes and tracks
// which pids are alive.
type Server struct {
	opts    ServerOptions
	logger  *zerolog.Logger
	tracker *membership.Tracker

	mu     sync.Mutex
	ln     net.Listener
	port   int
	conns  map[uint64]net.Conn
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

func NewServer(opts ServerOptions) *Server {
	opts.defaults()
	s := &Server{opts: opts, logger: logutil.Or(opts.Logger, "control-server"), conns: make(map[uint64]net.Conn)}
	s.tracker = membership.NewTracker(opts.GracePeriod, s.expire)
	return s
}

// Start binds a free control port, publishes it in the discovery store and
// begins accepting connections. ctx only bounds startup.
func (s *Server) Start(ctx context.Context) error {
	if s.opts.Discovery == nil {
		return errors.New("tcp: nil Discovery")
	}
	_, end := tracing.StartSpan(ctx, "control.server.start", attribute.Int("http_port", s.opts.HTTPPort))
	defer end()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.ln != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var (
		ln  net.Listener
		err error
	)
	for attempt := 1; attempt <= s.opts.BindAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		ln, err = s.listen()
		if err == nil {
			break
		}
		s.logger.Error().Err(err).Int("attempt", attempt).Int("of", s.opts.BindAttempts).Msg("failed to start control server")
	}
	if err != nil {
		return fmt.Errorf("%w after %d attempts", ErrNoControlPort, s.opts.BindAttempts)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.ln, s.port = ln, port
	s.mu.Unlock()

	if err := s.opts.Discovery.Store(s.opts.HTTPPort, port); err != nil {
		_ = s.Close()
		return err
	}
	s.logger.Debug().Int("control_port", port).Int("http_port", s.opts.HTTPPort).Msg("control server listening on 127.0.0.1")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// listen probes the port range from a random offset, wrapping around, and
// keeps the first listener that binds.
func (s *Server) listen() (net.Listener, error) {
	span := s.opts.RangeEnd - s.opts.RangeStart + 1
	offset := rand.Intn(span)
	for i := 0; i < span; i++ {
		port := s.opts.RangeStart + (offset+i)%span
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no available ports in range %d-%d", s.opts.RangeStart, s.opts.RangeEnd)
}

// Port returns the bound control port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Members lists followers that are connected or within their grace period.
func (s *Server) Members() []membership.MemberInfo { return s.tracker.Members() }

// Has reports whether pid is attached or within its grace period.
func (s *Server) Has(pid int) bool { return s.tracker.Has(pid) }

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !isLoopback(conn.RemoteAddr()) {
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("rejecting non-loopback control connection")
			_ = conn.Close()
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.nextID++
		id := s.nextID
		s.conns[id] = conn
		s.wg.Add(1)
		s.mu.Unlock()
		obsmetrics.ControlConnections.Inc()
		go s.serveConn(id, conn)
	}
}

func (s *Server) serveConn(id uint64, conn net.Conn) {
	defer s.wg.Done()
	remote := conn.RemoteAddr().String()
	log := s.logger.With().Uint64("conn", id).Str("remote", remote).Logger()
	var bound int
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		obsmetrics.ControlConnections.Dec()
		if bound != 0 {
			log.Debug().Int("pid", bound).Msg("control connection closed, grace period started")
			s.tracker.Detach(bound, id)
		}
	}()

	for {
		msg, err := transport.ReadMessage(conn)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrPayload):
				obsmetrics.ControlMessages.WithLabelValues("unknown", "malformed").Inc()
				log.Error().Err(err).Msg("dropping malformed control message")
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, transport.ErrFrame):
				log.Warn().Err(err).Msg("closing control connection on framing error")
			default:
				log.Debug().Err(err).Msg("control connection read failed")
			}
			return
		}

		pid := msg.Sender()
		if bound != 0 && pid != bound {
			obsmetrics.ControlMessages.WithLabelValues(string(msg.Type()), "rejected").Inc()
			log.Warn().Int("pid", pid).Int("bound_pid", bound).Msg("dropping message for a pid not bound to this connection")
			continue
		}
		switch msg.(type) {
		case transport.AddConfig:
			if bound == 0 {
				bound = pid
			}
			s.tracker.Attach(pid, id, remote)
		case transport.RemoveConfig:
			s.tracker.Forget(pid)
		}
		obsmetrics.ControlMessages.WithLabelValues(string(msg.Type()), "accepted").Inc()
		s.dispatch(msg)
	}
}

func (s *Server) dispatch(msg transport.Message) {
	if s.opts.OnMessage == nil {
		return
	}
	ctx, end := tracing.StartSpan(context.Background(), "control.dispatch",
		attribute.String("type", string(msg.Type())), attribute.Int("pid", msg.Sender()))
	defer end()
	s.opts.OnMessage(ctx, msg)
}

func (s *Server) expire(pid int) {
	obsmetrics.FollowerExpirations.Inc()
	s.logger.Info().Int("pid", pid).Dur("grace", s.opts.GracePeriod).Msg("follower did not reconnect within grace period")
	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(pid)
	}
}

// Close terminates live sockets, stops accepting, cancels grace timers and
// clears the discovery record if it still points at this server. It is
// idempotent and must not be called from OnMessage.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln, port := s.ln, s.port
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.tracker.Stop()
	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()

	if port == 0 {
		return nil
	}
	if err := s.opts.Discovery.ClearIf(s.opts.HTTPPort, port); err != nil {
		return err
	}
	s.logger.Debug().Int("control_port", port).Msg("control server closed and port cleared")
	return nil
}

func isLoopback(a net.Addr) bool {
	ta, ok := a.(*net.TCPAddr)
	return ok && ta.IP.IsLoopback()
}
