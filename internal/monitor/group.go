package monitor

import (
	"sync"

	"github.com/yairfalse/esiwatch/internal/esi"
	"github.com/yairfalse/esiwatch/internal/notify"
)

// Group coalesces the completion of related monitors of one identity into
// a single update notification.
type Group struct {
	identityID int64
	parent     esi.Descriptor
	publisher  notify.Publisher

	mu       sync.Mutex
	members  []*Monitor
	inflight int
	changed  bool
}

func newGroup(identityID int64, parent esi.Descriptor, publisher notify.Publisher) *Group {
	return &Group{identityID: identityID, parent: parent, publisher: publisher}
}

// Resource returns the group's parent descriptor.
func (g *Group) Resource() esi.Descriptor { return g.parent }

// Members returns the grouped monitors.
func (g *Group) Members() []*Monitor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Monitor(nil), g.members...)
}

// IsUpdating reports whether any member fetch is in flight.
func (g *Group) IsUpdating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight > 0
}

func (g *Group) add(m *Monitor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m.group = g
	g.members = append(g.members, m)
}

func (g *Group) started() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight++
}

// begin holds the group open while a tick launches its members, so a
// member that settles before the next one starts cannot close the batch.
func (g *Group) begin() { g.started() }

// end releases the hold taken by begin.
func (g *Group) end() { g.settled(false) }

// settled records a finished member fetch and publishes once the whole
// batch has settled with at least one change.
func (g *Group) settled(updated bool) {
	g.mu.Lock()
	g.inflight--
	if updated {
		g.changed = true
	}
	fire := g.inflight == 0 && g.changed
	if fire {
		g.changed = false
	}
	g.mu.Unlock()

	if fire && g.publisher != nil {
		g.publisher.Publish(notify.Notification{
			Kind:       notify.KindDataUpdated,
			IdentityID: g.identityID,
			Resource:   g.parent.Name,
		})
	}
}
