package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/amirimatin/go-mockhub/pkg/config"
	base "github.com/amirimatin/go-mockhub/pkg/state"
)

// Entry is one registrant and its configuration.
type Entry struct {
	PID    int                 `json:"pid"`
	Config config.ServerConfig `json:"config"`
}

// Registry is an insertion-ordered pid → ServerConfig table.
//
// Resolution policy: registrants are scanned in the order they first
// registered, and routes in declared order, so when several processes serve
// the same path the earliest registrant wins. Replacing the config of an
// existing pid keeps its position; removing and re-adding moves it to the end.
type Registry struct {
	mu      sync.RWMutex
	order   []int
	entries map[int]config.ServerConfig
}

func New() *Registry { return &Registry{entries: make(map[int]config.ServerConfig)} }

func (r *Registry) ApplyAdd(pid int, cfg config.ServerConfig) error {
	if pid <= 0 {
		return fmt.Errorf("registry: invalid pid %d", pid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[pid]; !ok {
		r.order = append(r.order, pid)
	}
	r.entries[pid] = cfg
	return nil
}

// ApplyRemove deletes pid. Removing an unknown pid is a no-op.
func (r *Registry) ApplyRemove(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[pid]; !ok {
		return false
	}
	delete(r.entries, pid)
	for i, p := range r.order {
		if p == pid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Resolve(path string) (config.RouteConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pid := range r.order {
		for _, rc := range r.entries[pid].Routes {
			if rc.Path == path {
				return rc, true
			}
		}
	}
	return config.RouteConfig{}, false
}

func (r *Registry) Has(pid int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[pid]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Entries returns the registrants in resolution order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, pid := range r.order {
		out = append(out, Entry{PID: pid, Config: r.entries[pid]})
	}
	return out
}

// Snapshot encodes the table in resolution order.
func (r *Registry) Snapshot() ([]byte, error) {
	return json.Marshal(struct {
		Version int     `json:"version"`
		Entries []Entry `json:"entries"`
	}{Version: 1, Entries: r.Entries()})
}

var _ base.RouteState = (*Registry)(nil)
