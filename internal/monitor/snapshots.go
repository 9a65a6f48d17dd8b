package monitor

import (
	"encoding/json"
	"fmt"
	"sync"
)

type snapshotKey struct {
	identityID int64
	resource   string
}

// Snapshots keeps the latest raw payload per identity and resource for
// resources without a typed model.
type Snapshots struct {
	mu   sync.RWMutex
	data map[snapshotKey]json.RawMessage
}

// NewSnapshots creates an empty store.
func NewSnapshots() *Snapshots {
	return &Snapshots{data: make(map[snapshotKey]json.RawMessage)}
}

// Handler returns a Handler storing payloads under resource. Payloads must
// be valid JSON; a nil payload removes the snapshot.
func (s *Snapshots) Handler(resource string) Handler {
	return HandlerFunc(func(identityID int64, data []byte) (func(), error) {
		key := snapshotKey{identityID: identityID, resource: resource}
		if data == nil {
			return func() {
				s.mu.Lock()
				defer s.mu.Unlock()
				delete(s.data, key)
			}, nil
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("snapshot %s: invalid JSON payload", resource)
		}
		payload := append(json.RawMessage(nil), data...)
		return func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.data[key] = payload
		}, nil
	})
}

// Get returns the stored payload.
func (s *Snapshots) Get(identityID int64, resource string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[snapshotKey{identityID: identityID, resource: resource}]
	return v, ok
}
