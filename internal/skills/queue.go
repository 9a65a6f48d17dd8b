package skills

import (
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/esiwatch/internal/esi"
)

// QueueSummary is the decoded skill queue of one identity.
type QueueSummary struct {
	Entries []esi.SkillQueueEntry
	// Paused is set when the queue holds skills but none carries dates.
	Paused    bool
	EndTime   time.Time
	UpdatedAt time.Time
}

// Remaining returns the training time left at now.
func (q QueueSummary) Remaining(now time.Time) time.Duration {
	if q.Paused || q.EndTime.IsZero() || !q.EndTime.After(now) {
		return 0
	}
	return q.EndTime.Sub(now)
}

// Current returns the entry training at now.
func (q QueueSummary) Current(now time.Time) (esi.SkillQueueEntry, bool) {
	for _, e := range q.Entries {
		if e.FinishDate != nil && e.FinishDate.After(now) {
			return e, true
		}
	}
	return esi.SkillQueueEntry{}, false
}

// Summarize orders entries by queue position and derives the end time.
func Summarize(entries []esi.SkillQueueEntry, now time.Time) QueueSummary {
	sorted := append([]esi.SkillQueueEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].QueuePosition < sorted[j].QueuePosition
	})

	q := QueueSummary{Entries: sorted, UpdatedAt: now, Paused: len(sorted) > 0}
	for _, e := range sorted {
		if e.FinishDate == nil {
			continue
		}
		q.Paused = false
		if e.FinishDate.After(q.EndTime) {
			q.EndTime = *e.FinishDate
		}
	}
	return q
}

// QueueModel holds the latest skill queue per identity. Its Decode method
// feeds it from the skill queue monitor; mutations run on the dispatch
// queue.
type QueueModel struct {
	now func() time.Time

	mu     sync.RWMutex
	queues map[int64]QueueSummary
}

// NewQueueModel creates an empty model. A nil now uses time.Now.
func NewQueueModel(now func() time.Time) *QueueModel {
	if now == nil {
		now = time.Now
	}
	return &QueueModel{now: now, queues: make(map[int64]QueueSummary)}
}

// Decode parses a skill queue payload. A nil payload clears the queue.
func (m *QueueModel) Decode(identityID int64, data []byte) (func(), error) {
	var entries []esi.SkillQueueEntry
	if data != nil {
		var err error
		if entries, err = esi.DecodeSkillQueue(data); err != nil {
			return nil, err
		}
	}
	summary := Summarize(entries, m.now())

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.queues[identityID] = summary
	}, nil
}

// Get returns an identity's queue.
func (m *QueueModel) Get(identityID int64) (QueueSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[identityID]
	return q, ok
}

// Forget drops an identity.
func (m *QueueModel) Forget(identityID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, identityID)
}

// AttributesModel holds the latest attributes per identity.
type AttributesModel struct {
	mu    sync.RWMutex
	attrs map[int64]Attributes
}

// NewAttributesModel creates an empty model.
func NewAttributesModel() *AttributesModel {
	return &AttributesModel{attrs: make(map[int64]Attributes)}
}

// Decode parses an attributes payload. A nil payload clears the entry.
func (m *AttributesModel) Decode(identityID int64, data []byte) (func(), error) {
	if data == nil {
		return func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.attrs, identityID)
		}, nil
	}

	decoded, err := esi.DecodeAttributes(data)
	if err != nil {
		return nil, err
	}
	attrs := Attributes{
		Intelligence: decoded.Intelligence,
		Perception:   decoded.Perception,
		Charisma:     decoded.Charisma,
		Willpower:    decoded.Willpower,
		Memory:       decoded.Memory,
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.attrs[identityID] = attrs
	}, nil
}

// Get returns an identity's attributes.
func (m *AttributesModel) Get(identityID int64) (Attributes, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attrs[identityID]
	return a, ok
}
