// Package notify is the fire-and-forget "data changed" sink consumed by
// whatever presents the model to a user.
package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/esiwatch/internal/dispatch"
)

// Kind classifies a notification.
type Kind string

const (
	KindDataUpdated         Kind = "data_updated"
	KindAuthorizationFailed Kind = "authorization_failed"
	KindStructureResolved   Kind = "structure_resolved"
)

// Notification is one event.
type Notification struct {
	ID         uuid.UUID `json:"id"`
	Kind       Kind      `json:"kind"`
	IdentityID int64     `json:"identity_id,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher accepts notifications.
type Publisher interface {
	Publish(n Notification)
}

// Bus broadcasts notifications to every subscriber on the dispatch queue.
type Bus struct {
	poster dispatch.Poster

	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(Notification)
}

// NewBus creates a bus delivering through poster. A nil poster delivers
// synchronously.
func NewBus(poster dispatch.Poster) *Bus {
	if poster == nil {
		poster = dispatch.Inline{}
	}
	return &Bus{poster: poster, subs: make(map[uint64]func(Notification))}
}

// Subscribe registers fn and returns a function removing it.
func (b *Bus) Subscribe(fn func(Notification)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish fills in ID and At when unset and delivers n.
func (b *Bus) Publish(n Notification) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}

	b.poster.Post(func() {
		for _, fn := range b.subscribers() {
			fn(n)
		}
	})
}

func (b *Bus) subscribers() []func(Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]func(Notification), 0, len(ids))
	for _, id := range ids {
		out = append(out, b.subs[id])
	}
	return out
}

// Recorder keeps every notification it receives. Used by tests and the CLI.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Publish records n.
func (r *Recorder) Publish(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Count returns how many notifications of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}
