package memory

import (
	"sync"

	"github.com/amirimatin/go-mockhub/pkg/discovery"
)

type records struct {
	mu    sync.Mutex
	ports map[int]int
}

// New returns a process-local discovery.Store. Coordinators sharing one
// instance behave like processes sharing a temp directory.
func New() discovery.Store { return &records{ports: make(map[int]int)} }

func (r *records) Store(httpPort, controlPort int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[httpPort] = controlPort
	return nil
}

func (r *records) Load(httpPort int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(httpPort)
}

// load reads like the file backend: a record outside 1..65535 is absent.
func (r *records) load(httpPort int) (int, bool) {
	p, ok := r.ports[httpPort]
	if !ok || p < 1 || p > 65535 {
		return 0, false
	}
	return p, true
}

func (r *records) Clear(httpPort int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[httpPort] = 0
	return nil
}

func (r *records) ClearIf(httpPort, controlPort int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.load(httpPort); ok && cur != controlPort {
		return nil
	}
	r.ports[httpPort] = 0
	return nil
}
