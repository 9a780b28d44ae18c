package bootstrap

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-mockhub/pkg/config"
	"github.com/amirimatin/go-mockhub/pkg/coordinator"
	"github.com/amirimatin/go-mockhub/pkg/discovery/file"
	"github.com/amirimatin/go-mockhub/pkg/internal/logutil"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func serverConfig(port int, path string) config.ServerConfig {
	return config.ServerConfig{ListenPort: port, Host: "127.0.0.1", Routes: []config.RouteConfig{{Path: path, StatusCode: 200}}}
}

func TestRun_StatusOverManagementProtocols(t *testing.T) {
	for _, proto := range []string{"http", "grpc"} {
		t.Run(proto, func(t *testing.T) {
			dir := t.TempDir()
			port := freePort(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			c, err := Run(ctx, Config{
				Server:       serverConfig(port, "/a"),
				PID:          4242,
				DiscoveryDir: dir,
				MgmtAddr:     "127.0.0.1:0",
				MgmtProto:    proto,
				Logger:       logutil.Nop(),
			})
			require.NoError(t, err)
			defer c.Close()
			assert.Equal(t, coordinator.RoleLeader, c.Role())

			ctl, ok := file.New(file.Options{Dir: dir}).Load(port)
			require.True(t, ok)

			b, err := StatusClient(proto, 2*time.Second, nil).GetStatus(context.Background(), c.ManagementAddr())
			require.NoError(t, err)
			var st coordinator.Status
			require.NoError(t, json.Unmarshal(b, &st))
			assert.Equal(t, coordinator.RoleLeader, st.Role)
			assert.Equal(t, 4242, st.PID)
			assert.Equal(t, ctl, st.ControlPort)
		})
	}
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	_, err := Build(Config{DiscoveryKind: "memory", Server: config.ServerConfig{ListenPort: 3000}})
	assert.Error(t, err)
}

func TestBuild_TLSRequiresFiles(t *testing.T) {
	_, err := Build(Config{DiscoveryKind: "memory", Server: serverConfig(3000, "/a"), TLSEnable: true})
	assert.Error(t, err)
}
