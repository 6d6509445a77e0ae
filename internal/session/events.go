package session

import (
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/tunnel"
)

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventState   EventKind = "state"
	EventCommand EventKind = "command"
	EventTunnel  EventKind = "tunnel"
	EventStats   EventKind = "stats"
)

// DefaultEventBuffer is the channel capacity of a subscription.
const DefaultEventBuffer = 64

// Event is one observation of a session. Exactly one of the payload fields
// is set, matching Kind.
type Event struct {
	Kind      EventKind
	SessionID string
	Time      time.Time

	Status  *Status
	Command *CommandResult
	Tunnel  *tunnel.Info
	Stats   *Statistics
}

// broadcaster fans events out to subscribers. A subscriber whose buffer is
// full misses the event instead of stalling the session.
type broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped uint64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// close ends every subscription.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
