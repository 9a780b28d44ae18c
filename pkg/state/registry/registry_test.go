package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-mockhub/pkg/config"
)

func cfg(paths ...string) config.ServerConfig {
	c := config.ServerConfig{ListenPort: 3000}
	for _, p := range paths {
		c.Routes = append(c.Routes, config.RouteConfig{Path: p, StatusCode: 200})
	}
	return c
}

func TestResolve_FirstRegistrantWins(t *testing.T) {
	r := New()
	a := cfg("/a", "/shared")
	a.Routes[1].StatusCode = 201
	b := cfg("/b", "/shared")
	b.Routes[1].StatusCode = 202
	require.NoError(t, r.ApplyAdd(200, a))
	require.NoError(t, r.ApplyAdd(100, b))

	got, ok := r.Resolve("/shared")
	require.True(t, ok)
	assert.Equal(t, 201, got.StatusCode, "earliest registrant wins, regardless of pid value")

	_, ok = r.Resolve("/b")
	assert.True(t, ok)
	_, ok = r.Resolve("/c")
	assert.False(t, ok)
}

func TestApplyAdd_UpsertKeepsPosition(t *testing.T) {
	r := New()
	require.NoError(t, r.ApplyAdd(1, cfg("/x")))
	require.NoError(t, r.ApplyAdd(2, cfg("/x")))
	replaced := cfg("/x")
	replaced.Routes[0].StatusCode = 418
	require.NoError(t, r.ApplyAdd(1, replaced))

	got, _ := r.Resolve("/x")
	assert.Equal(t, 418, got.StatusCode)
	assert.Equal(t, []int{1, 2}, pids(r.Entries()))

	r.ApplyRemove(1)
	require.NoError(t, r.ApplyAdd(1, cfg("/x")))
	assert.Equal(t, []int{2, 1}, pids(r.Entries()))
}

func TestApplyRemove_UnknownIsNoop(t *testing.T) {
	r := New()
	require.NoError(t, r.ApplyAdd(1, cfg("/x")))
	assert.False(t, r.ApplyRemove(99))
	assert.False(t, r.ApplyRemove(99))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.ApplyRemove(1))
	_, ok := r.Resolve("/x")
	assert.False(t, ok)
}

func TestApplyAdd_RejectsBadPID(t *testing.T) {
	assert.Error(t, New().ApplyAdd(0, cfg("/x")))
}

func TestSnapshot(t *testing.T) {
	r := New()
	require.NoError(t, r.ApplyAdd(7, cfg("/a")))
	b, err := r.Snapshot()
	require.NoError(t, err)
	var out struct {
		Version int     `json:"version"`
		Entries []Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, 1, out.Version)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, 7, out.Entries[0].PID)
	assert.Equal(t, []string{"/a"}, out.Entries[0].Config.Paths())
}

func pids(es []Entry) []int {
	out := make([]int, 0, len(es))
	for _, e := range es {
		out = append(out, e.PID)
	}
	return out
}
