package membership

import (
	"sort"
	"sync"
	"time"
)

// DefaultGracePeriod is how long a detached member may stay registered
// before it is considered gone.
const DefaultGracePeriod = 5 * time.Second

// Tracker tracks which pids are attached to which connection and runs the
// grace timer for members whose connection closed. Each pid expires at most
// once per detach, and no timer fires after Stop.
type Tracker struct {
	mu       sync.Mutex
	grace    time.Duration
	onExpire func(pid int)
	members  map[int]*member
	stopped  bool
}

type member struct {
	info  MemberInfo
	owner uint64
	timer *time.Timer
	gen   uint64
}

// NewTracker returns a Tracker that calls onExpire (outside its lock) when a
// detached pid's grace period elapses.
func NewTracker(grace time.Duration, onExpire func(pid int)) *Tracker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Tracker{grace: grace, onExpire: onExpire, members: make(map[int]*member)}
}

// Attach binds pid to the connection identified by owner and cancels any
// pending expiry. It reports whether the pid was previously unknown.
func (t *Tracker) Attach(pid int, owner uint64, addr string) (joined bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	m, ok := t.members[pid]
	if !ok {
		m = &member{info: MemberInfo{PID: pid, Since: time.Now()}}
		t.members[pid] = m
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.gen++
	}
	m.owner = owner
	m.info.Addr = addr
	m.info.Detached = false
	return !ok
}

// Detach starts the grace period for pid if owner is still its current
// connection. A stale owner (the pid already reconnected elsewhere) is ignored.
func (t *Tracker) Detach(pid int, owner uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[pid]
	if !ok || t.stopped || m.owner != owner || m.timer != nil {
		return
	}
	m.info.Detached = true
	m.info.Addr = ""
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(t.grace, func() { t.expire(pid, gen) })
}

func (t *Tracker) expire(pid int, gen uint64) {
	t.mu.Lock()
	m, ok := t.members[pid]
	if t.stopped || !ok || m.timer == nil || m.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.members, pid)
	t.mu.Unlock()
	if t.onExpire != nil {
		t.onExpire(pid)
	}
}

// Forget drops pid immediately without invoking onExpire.
func (t *Tracker) Forget(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.members[pid]; ok {
		if m.timer != nil {
			m.timer.Stop()
		}
		delete(t.members, pid)
	}
}

// Has reports whether pid is tracked (attached or within its grace period).
func (t *Tracker) Has(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[pid]
	return ok
}

// Members returns a snapshot ordered by pid.
func (t *Tracker) Members() []MemberInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MemberInfo, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Stop cancels every pending timer. The tracker is unusable afterwards.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for pid, m := range t.members {
		if m.timer != nil {
			m.timer.Stop()
		}
		delete(t.members, pid)
	}
}
