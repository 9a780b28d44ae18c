package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
	EventExpired      EventType = "expired"
	EventReconnected  EventType = "reconnected"
	EventLeaderLost   EventType = "leader_lost"
	EventRoleChanged  EventType = "role_changed"
)

// Event is an application-consumable notification about coordinator state.
// Only fields relevant to Type are populated.
type Event struct {
	ID   string
	Type EventType
	At   time.Time
	// PID is the registrant concerned by registry events.
	PID  int
	Role Role
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	c.eb.add(ch)
	go func() {
		<-ctx.Done()
		c.eb.remove(ch)
		close(ch)
	}()
	return ch
}

type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	delete(e.subs, ch)
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.Lock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// drop if receiver is slow
		}
	}
	e.mu.Unlock()
}
