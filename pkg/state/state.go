package state

import "github.com/amirimatin/go-mockhub/pkg/config"

// RouteState is the leader's aggregated route table keyed by owning pid.
type RouteState interface {
	ApplyAdd(pid int, cfg config.ServerConfig) error
	ApplyRemove(pid int) (removed bool)
	Resolve(path string) (config.RouteConfig, bool)
	Snapshot() ([]byte, error)
}
