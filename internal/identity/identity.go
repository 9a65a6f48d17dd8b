// Package identity models the characters the process polls on behalf of and
// the credentials they carry.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrDuplicate is returned when adding an identity whose ID is registered.
var ErrDuplicate = errors.New("identity already registered")

// ErrUnknown is returned for operations on an unregistered identity.
var ErrUnknown = errors.New("identity not registered")

// Identity is an authenticated principal (a character).
type Identity struct {
	ID   int64
	Name string

	monitored   atomic.Bool
	credentials []*Credential
}

// New creates an identity with the given credentials.
func New(id int64, name string, creds ...*Credential) *Identity {
	return &Identity{ID: id, Name: name, credentials: creds}
}

// Monitored reports whether the user asked for this identity to be polled.
func (i *Identity) Monitored() bool { return i.monitored.Load() }

// Credentials returns the identity's credentials.
func (i *Identity) Credentials() []*Credential { return i.credentials }

// HasCapability reports whether any credential grants c, usable or not.
func (i *Identity) HasCapability(c Capability) bool {
	for _, cred := range i.credentials {
		if cred.Grants(c) {
			return true
		}
	}
	return false
}

// CredentialFor returns the first usable credential granting c.
func (i *Identity) CredentialFor(c Capability) *Credential {
	for _, cred := range i.credentials {
		if cred.Grants(c) && cred.Usable() {
			return cred
		}
	}
	return nil
}

// EventKind identifies a registry change.
type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventRemoved
	EventMonitoredChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventMonitoredChanged:
		return "monitored_changed"
	default:
		return "unknown"
	}
}

// Event describes a registry change.
type Event struct {
	Kind     EventKind
	Identity *Identity
}

// Registry holds every known identity.
type Registry struct {
	mu         sync.RWMutex
	identities map[int64]*Identity
	listeners  []func(Event)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{identities: make(map[int64]*Identity)}
}

// Subscribe registers fn for every subsequent change. fn runs on the
// goroutine making the change, outside the registry lock.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Add registers id.
func (r *Registry) Add(id *Identity, monitored bool) error {
	r.mu.Lock()
	if _, exists := r.identities[id.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("add %d: %w", id.ID, ErrDuplicate)
	}
	id.monitored.Store(monitored)
	r.identities[id.ID] = id
	listeners := r.listeners
	r.mu.Unlock()

	r.emit(listeners, Event{Kind: EventAdded, Identity: id})
	return nil
}

// Remove drops an identity and reports whether it was registered.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	ident, ok := r.identities[id]
	if ok {
		delete(r.identities, id)
	}
	listeners := r.listeners
	r.mu.Unlock()

	if ok {
		r.emit(listeners, Event{Kind: EventRemoved, Identity: ident})
	}
	return ok
}

// Get returns the identity registered under id.
func (r *Registry) Get(id int64) (*Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.identities[id]
	return ident, ok
}

// SetMonitored changes the monitored flag.
func (r *Registry) SetMonitored(id int64, monitored bool) error {
	r.mu.RLock()
	ident, ok := r.identities[id]
	listeners := r.listeners
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("set monitored %d: %w", id, ErrUnknown)
	}

	if ident.monitored.Swap(monitored) != monitored {
		r.emit(listeners, Event{Kind: EventMonitoredChanged, Identity: ident})
	}
	return nil
}

// All returns every identity ordered by ID.
func (r *Registry) All() []*Identity {
	r.mu.RLock()
	out := make([]*Identity, 0, len(r.identities))
	for _, ident := range r.identities {
		out = append(out, ident)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithCapability returns identities holding a credential granting c,
// monitored identities first, then by ID.
func (r *Registry) WithCapability(c Capability) []*Identity {
	all := r.All()
	out := make([]*Identity, 0, len(all))
	for _, ident := range all {
		if ident.HasCapability(c) {
			out = append(out, ident)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Monitored() && !out[j].Monitored()
	})
	return out
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

func (r *Registry) emit(listeners []func(Event), ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}
