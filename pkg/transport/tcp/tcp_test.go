package tcp

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-mockhub/pkg/config"
	"github.com/amirimatin/go-mockhub/pkg/discovery"
	"github.com/amirimatin/go-mockhub/pkg/discovery/memory"
	"github.com/amirimatin/go-mockhub/pkg/internal/logutil"
	"github.com/amirimatin/go-mockhub/pkg/transport"
)

const testHTTPPort = 3000

type inbox struct {
	mu   sync.Mutex
	msgs []transport.Message
	gone []int
}

func (b *inbox) onMessage(_ context.Context, m transport.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

func (b *inbox) onDisconnect(pid int) {
	b.mu.Lock()
	b.gone = append(b.gone, pid)
	b.mu.Unlock()
}

func (b *inbox) messages() []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Message(nil), b.msgs...)
}

func (b *inbox) disconnected() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.gone...)
}

func startServer(t *testing.T, store discovery.Store, grace time.Duration) (*Server, *inbox) {
	t.Helper()
	in := &inbox{}
	s := NewServer(ServerOptions{
		HTTPPort:     testHTTPPort,
		Discovery:    store,
		OnMessage:    in.onMessage,
		OnDisconnect: in.onDisconnect,
		GracePeriod:  grace,
		Logger:       logutil.Nop(),
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, in
}

func addConfig(pid int, path string) transport.AddConfig {
	return transport.AddConfig{PID: pid, Config: config.ServerConfig{
		ListenPort: testHTTPPort,
		Routes:     []config.RouteConfig{{Path: path, StatusCode: 200}},
	}}
}

func TestServer_PublishesAndClearsPort(t *testing.T) {
	store := memory.New()
	s, _ := startServer(t, store, time.Second)

	port, ok := store.Load(testHTTPPort)
	require.True(t, ok)
	assert.Equal(t, s.Port(), port)
	assert.GreaterOrEqual(t, port, PortRangeStart)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")
	_, ok = store.Load(testHTTPPort)
	assert.False(t, ok)
}

func TestServer_CloseLeavesForeignRecord(t *testing.T) {
	store := memory.New()
	s, _ := startServer(t, store, time.Second)
	require.NoError(t, store.Store(testHTTPPort, 1234))

	require.NoError(t, s.Close())
	port, ok := store.Load(testHTTPPort)
	require.True(t, ok)
	assert.Equal(t, 1234, port)
}

func TestClientServer_DeliversInOrder(t *testing.T) {
	store := memory.New()
	_, in := startServer(t, store, time.Second)

	c := NewClient(ClientOptions{Discovery: store, Logger: logutil.Nop()})
	t.Cleanup(func() { _ = c.Close() })
	out, err := c.Connect(context.Background(), testHTTPPort)
	require.NoError(t, err)
	require.Equal(t, Connected, out)

	require.NoError(t, c.Send(context.Background(), addConfig(11, "/a")))
	require.NoError(t, c.Send(context.Background(), transport.RemoveConfig{PID: 11}))

	require.Eventually(t, func() bool { return len(in.messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := in.messages()
	assert.Equal(t, transport.TypeAddConfig, msgs[0].Type())
	assert.Equal(t, transport.RemoveConfig{PID: 11}, msgs[1])
}

func TestClient_NoStoredPortDoesNotDial(t *testing.T) {
	dialed := false
	c := NewClient(ClientOptions{
		Discovery: memory.New(),
		Dial: func(context.Context, string) (net.Conn, error) {
			dialed = true
			return nil, assert.AnError
		},
		Logger: logutil.Nop(),
	})
	defer c.Close()

	out, err := c.Connect(context.Background(), testHTTPPort)
	require.NoError(t, err)
	assert.Equal(t, NoStoredPort, out)
	assert.False(t, dialed)
	assert.ErrorIs(t, c.Send(context.Background(), transport.RemoveConfig{PID: 1}), ErrNotConnected)
}

func TestClient_StalePortFailsToConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	store := memory.New()
	require.NoError(t, store.Store(testHTTPPort, dead))
	c := NewClient(ClientOptions{Discovery: store, Logger: logutil.Nop()})
	defer c.Close()

	out, err := c.Connect(context.Background(), testHTTPPort)
	assert.Equal(t, FailedToConnect, out)
	assert.Error(t, err)
}

func TestServer_GracePeriodExpiry(t *testing.T) {
	store := memory.New()
	s, in := startServer(t, store, 50*time.Millisecond)

	c := NewClient(ClientOptions{Discovery: store, Logger: logutil.Nop()})
	_, err := c.Connect(context.Background(), testHTTPPort)
	require.NoError(t, err)
	require.NoError(t, c.Send(context.Background(), addConfig(21, "/g")))
	require.Eventually(t, func() bool { return len(s.Members()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return len(in.disconnected()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{21}, in.disconnected())
	assert.Empty(t, s.Members())

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, in.disconnected(), 1, "expiry fires once")
}

func TestServer_ReconnectWithinGraceKeepsMember(t *testing.T) {
	store := memory.New()
	_, in := startServer(t, store, 300*time.Millisecond)

	c1 := NewClient(ClientOptions{Discovery: store, Logger: logutil.Nop()})
	_, err := c1.Connect(context.Background(), testHTTPPort)
	require.NoError(t, err)
	require.NoError(t, c1.Send(context.Background(), addConfig(31, "/r")))
	require.Eventually(t, func() bool { return len(in.messages()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, c1.Close())

	c2 := NewClient(ClientOptions{Discovery: store, Logger: logutil.Nop()})
	defer c2.Close()
	_, err = c2.Connect(context.Background(), testHTTPPort)
	require.NoError(t, err)
	require.NoError(t, c2.Send(context.Background(), addConfig(31, "/r")))

	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, in.disconnected())
}

func TestServer_MalformedPayloadKeepsConnection(t *testing.T) {
	store := memory.New()
	s, in := startServer(t, store, time.Second)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port())))
	require.NoError(t, err)
	defer conn.Close()

	bad := []byte(`{"type":"nope"`)
	hdr := make([]byte, 5)
	hdr[0] = transport.FrameVersion
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(bad)))
	_, err = conn.Write(append(hdr, bad...))
	require.NoError(t, err)
	require.NoError(t, transport.WriteMessage(conn, addConfig(41, "/m")))

	require.Eventually(t, func() bool { return len(in.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 41, in.messages()[0].Sender())
}

func TestServer_DropsMessagesForOtherPID(t *testing.T) {
	store := memory.New()
	s, in := startServer(t, store, time.Second)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port())))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, transport.WriteMessage(conn, addConfig(51, "/p")))
	require.NoError(t, transport.WriteMessage(conn, transport.RemoveConfig{PID: 52}))
	require.NoError(t, transport.WriteMessage(conn, transport.RemoveConfig{PID: 51}))

	require.Eventually(t, func() bool { return len(in.messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, transport.RemoveConfig{PID: 51}, in.messages()[1])
}

func TestClient_ReconnectsToNewLeader(t *testing.T) {
	store := memory.New()
	first, _ := startServer(t, store, time.Second)

	reconnected := make(chan struct{}, 1)
	c := NewClient(ClientOptions{
		Discovery:         store,
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectAttempts: 50,
		OnReconnect:       func() { reconnected <- struct{}{} },
		Logger:            logutil.Nop(),
	})
	defer c.Close()
	_, err := c.Connect(context.Background(), testHTTPPort)
	require.NoError(t, err)

	require.NoError(t, first.Close())
	_, in := startServer(t, store, time.Second)

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}
	require.NoError(t, c.Send(context.Background(), addConfig(61, "/n")))
	require.Eventually(t, func() bool { return len(in.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_GivesUpAfterAttempts(t *testing.T) {
	store := memory.New()
	s, _ := startServer(t, store, time.Second)

	gaveUp := make(chan error, 1)
	c := NewClient(ClientOptions{
		Discovery:         store,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectAttempts: 3,
		OnGiveUp:          func(err error) { gaveUp <- err },
		Logger:            logutil.Nop(),
	})
	_, err := c.Connect(context.Background(), testHTTPPort)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	select {
	case err := <-gaveUp:
		assert.ErrorIs(t, err, ErrGaveUp)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not give up")
	}
	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrGaveUp)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Err(), ErrGaveUp)
}
