//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/amirimatin/go-mockhub/pkg/bootstrap"
	"github.com/amirimatin/go-mockhub/pkg/config"
	"github.com/amirimatin/go-mockhub/pkg/coordinator"
	"github.com/amirimatin/go-mockhub/pkg/transport"
)

var errNotYet = errors.New("not yet")

func waitUntil(t *testing.T, d time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(d)
	var err error
	for time.Now().Before(deadline) {
		if err = fn(); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %v", d, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func fetchStatus(ctx context.Context, cli transport.RPCClient, addr string) (coordinator.Status, error) {
	var st coordinator.Status
	b, err := cli.GetStatus(ctx, addr)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(b, &st)
	return st, err
}

func nodeConfig(dir string, pid, port int, path string) bootstrap.Config {
	return bootstrap.Config{
		Server: config.ServerConfig{
			ListenPort: port,
			Host:       "127.0.0.1",
			Routes:     []config.RouteConfig{{Path: path, StatusCode: 200, Response: fmt.Sprintf(`{"pid":%d}`, pid)}},
		},
		PID:               pid,
		DiscoveryDir:      dir,
		MgmtAddr:          "127.0.0.1:0",
		GracePeriod:       500 * time.Millisecond,
		ReconnectDelay:    100 * time.Millisecond,
		ReconnectAttempts: 5,
	}
}

func get(url string) (int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func expectStatus(port int, path string, want int) func() error {
	return func() error {
		code, err := get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
		if err != nil {
			return err
		}
		if code != want {
			return fmt.Errorf("%s: got %d want %d: %w", path, code, want, errNotYet)
		}
		return nil
	}
}
