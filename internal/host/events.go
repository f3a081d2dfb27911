package host

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies registry notifications.
type EventKind string

const (
	// EventLoaded fires after a module is registered.
	EventLoaded EventKind = "loaded"
	// EventUnloaded fires after a module is removed.
	EventUnloaded EventKind = "unloaded"
	// EventReloaded fires after a module's services or code were replaced.
	EventReloaded EventKind = "reloaded"
)

// Notification describes one registry state change, delivered to
// subscribers and kept on a bounded recent-events ring for the
// management surface.
type Notification struct {
	ID     uuid.UUID `json:"id"`
	Kind   EventKind `json:"kind"`
	Plugin string    `json:"plugin"`
	Time   time.Time `json:"time"`
}

const recentEventsCap = 64

type broadcaster struct {
	mu     sync.Mutex
	subs   []func(Notification)
	recent []Notification
}

func (b *broadcaster) subscribe(fn func(Notification)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// publish records the notification and invokes subscribers synchronously,
// outside the broadcaster lock. Callers must not hold the registry lock.
func (b *broadcaster) publish(kind EventKind, plugin string) {
	n := Notification{ID: uuid.New(), Kind: kind, Plugin: plugin, Time: time.Now()}

	b.mu.Lock()
	b.recent = append(b.recent, n)
	if len(b.recent) > recentEventsCap {
		b.recent = b.recent[len(b.recent)-recentEventsCap:]
	}
	subs := make([]func(Notification), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
}

func (b *broadcaster) recentEvents() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, len(b.recent))
	copy(out, b.recent)
	return out
}
