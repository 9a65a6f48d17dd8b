package structure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/esiwatch/internal/identity"
)

// State is the lifecycle position of a pending structure request.
type State int

const (
	StatePending State = iota
	StateInProgress
	StateCompleted
	StateInaccessible
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateInaccessible:
		return "inaccessible"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s >= StateCompleted
}

// request is the ledger entry for one unresolved structure ID. The result
// is assigned once and every waiter observes it through done.
type request struct {
	id   int64
	hint int64
	now  func() time.Time

	mu         sync.Mutex
	state      State
	queued     bool
	tried      map[int64]struct{}
	result     *Structure
	finishedAt time.Time
	done       chan struct{}
}

func newRequest(id, hint int64, now func() time.Time) *request {
	return &request{
		id:    id,
		hint:  hint,
		now:   now,
		tried: make(map[int64]struct{}),
		done:  make(chan struct{}),
	}
}

func (r *request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// markQueued reports true the first time it is called.
func (r *request) markQueued() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued {
		return false
	}
	r.queued = true
	return true
}

// markInProgress moves Pending to InProgress. It returns false when the
// request was already dispatched or is terminal.
func (r *request) markInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return false
	}
	r.state = StateInProgress
	return true
}

// attemptIdentity records an attempt by id. It returns false when id was
// already tried for this request.
func (r *request) attemptIdentity(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tried[id]; ok {
		return false
	}
	r.tried[id] = struct{}{}
	return true
}

// untried filters candidates down to identities not yet attempted.
func (r *request) untried(candidates []*identity.Identity) []*identity.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*identity.Identity, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := r.tried[c.ID]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// attempts returns the tried identity IDs in ascending order.
func (r *request) attempts() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.tried))
	for id := range r.tried {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *request) complete(v *Structure) bool { return r.finish(StateCompleted, v) }
func (r *request) setInaccessible() bool      { return r.finish(StateInaccessible, nil) }
func (r *request) setDestroyed() bool         { return r.finish(StateDestroyed, nil) }

func (r *request) finish(state State, v *Structure) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return false
	}
	r.state = state
	r.result = v
	r.finishedAt = r.now()
	close(r.done)
	return true
}

// wait blocks until the request is terminal and returns its result, which
// is nil for Inaccessible and Destroyed.
func (r *request) wait(ctx context.Context) (*Structure, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, nil
}

func (r *request) finished() (State, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.finishedAt
}
