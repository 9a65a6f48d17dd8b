// Package station resolves location IDs for display. NPC stations come from
// a static table; player structures go through the structure lookup
// service, whose cache this package persists.
package station

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/esiwatch/internal/identity"
	"github.com/yairfalse/esiwatch/internal/structure"
)

// UnknownName is shown for structures that are pending or cannot be seen.
const UnknownName = "Unknown Structure"

const (
	DefaultSaveDebounce = 10 * time.Second
	DefaultTick         = time.Second
	flushTimeout        = 5 * time.Second
)

// IsDynamic reports whether id belongs to the player structure range.
func IsDynamic(id int64) bool { return id > math.MaxInt32 }

// Station is a resolved location.
type Station struct {
	ID            int64
	Name          string
	SolarSystemID int64
	TypeID        int64
	OwnerID       int64
	Static        bool
	// Inaccessible marks the placeholder returned while a structure is
	// unresolved or cannot be seen by any identity.
	Inaccessible bool
}

func fromStructure(st *structure.Structure) *Station {
	return &Station{
		ID:            st.ID,
		Name:          st.Name,
		SolarSystemID: st.SolarSystemID,
		TypeID:        st.TypeID,
		OwnerID:       st.OwnerID,
	}
}

// Placeholder returns the stand-in for an unresolved structure.
func Placeholder(id int64) *Station {
	return &Station{ID: id, Name: UnknownName, Inaccessible: true}
}

// Lookups is the structure service surface the facade uses.
type Lookups interface {
	Lookup(id int64, requester *identity.Identity) (*structure.Structure, bool)
	LookupAsync(ctx context.Context, id int64, requester *identity.Identity) (*structure.Structure, error)
	ImportCache(entries []structure.Structure)
	ExportCache() []structure.Structure
	Revision() uint64
	Len() int
}

// Store persists the structure cache.
type Store interface {
	LoadCache(ctx context.Context) ([]structure.Structure, error)
	SaveCache(ctx context.Context, entries []structure.Structure) error
}

// Config controls persistence.
type Config struct {
	SaveDebounce time.Duration
	Tick         time.Duration
}

// Option configures a Facade.
type Option func(*Facade)

// WithStatic replaces the bundled static table.
func WithStatic(t StaticTable) Option {
	return func(f *Facade) { f.static = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Facade) { f.now = now }
}

// Facade is the entry point for location resolution.
type Facade struct {
	cfg     Config
	lookups Lookups
	store   Store
	static  StaticTable
	logger  zerolog.Logger
	now     func() time.Time

	mu            sync.Mutex
	loaded        bool
	savedRevision uint64
	lastSave      time.Time
}

// New creates a facade. store may be nil, in which case nothing persists.
func New(cfg Config, lookups Lookups, store Store, logger zerolog.Logger, opts ...Option) (*Facade, error) {
	if lookups == nil {
		return nil, errors.New("station: structure lookups are required")
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = DefaultSaveDebounce
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}

	f := &Facade{
		cfg:     cfg,
		lookups: lookups,
		store:   store,
		logger:  logger.With().Str("component", "station").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.static == nil {
		static, err := BundledStatic()
		if err != nil {
			return nil, err
		}
		f.static = static
	}
	return f, nil
}

// Resolve returns the station for id without blocking. Unresolved
// structures yield the placeholder; IDs that are neither static nor in the
// structure range yield nil.
func (f *Facade) Resolve(id int64, requester *identity.Identity) *Station {
	if st, ok := f.static[id]; ok {
		return &st
	}
	if !IsDynamic(id) {
		return nil
	}
	if st, ok := f.lookups.Lookup(id, requester); ok {
		return fromStructure(st)
	}
	return Placeholder(id)
}

// ResolveAsync waits for the structure. It returns nil without error when
// no identity can see it; the only errors are ctx errors.
func (f *Facade) ResolveAsync(ctx context.Context, id int64, requester *identity.Identity) (*Station, error) {
	if st, ok := f.static[id]; ok {
		return &st, nil
	}
	if !IsDynamic(id) {
		return nil, nil
	}
	st, err := f.lookups.LookupAsync(ctx, id, requester)
	if err != nil || st == nil {
		return nil, err
	}
	return fromStructure(st), nil
}

// Load imports the persisted cache once. It is a no-op after the first
// successful call. Entries resolved before the load win over persisted ones
// with the same ID and stay unsaved.
func (f *Facade) Load(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked(ctx)
}

func (f *Facade) loadLocked(ctx context.Context) error {
	if f.loaded {
		return nil
	}
	if f.store == nil {
		f.loaded = true
		return nil
	}

	entries, err := f.store.LoadCache(ctx)
	if err != nil {
		return fmt.Errorf("load structure cache: %w", err)
	}

	live := f.lookups.ExportCache()
	if len(live) > 0 {
		known := make(map[int64]struct{}, len(live))
		for _, st := range live {
			known[st.ID] = struct{}{}
		}
		missing := make([]structure.Structure, 0, len(entries))
		for _, st := range entries {
			if _, ok := known[st.ID]; !ok {
				missing = append(missing, st)
			}
		}
		f.lookups.ImportCache(missing)
	} else {
		f.lookups.ImportCache(entries)
		f.savedRevision = f.lookups.Revision()
	}
	f.loaded = true

	f.logger.Info().Int("structures", len(entries)).Int("live", len(live)).Msg("structure cache loaded")
	return nil
}

// Tick saves the cache when it changed and the debounce window since the
// last save has passed. It reports whether a save happened.
func (f *Facade) Tick(ctx context.Context, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.lastSave.IsZero() && now.Sub(f.lastSave) < f.cfg.SaveDebounce {
		return false, nil
	}
	return f.saveLocked(ctx, now)
}

// Flush saves unsaved changes immediately.
func (f *Facade) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.saveLocked(ctx, f.now())
	return err
}

// Dirty reports whether the cache holds unsaved changes.
func (f *Facade) Dirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups.Revision() != f.savedRevision
}

func (f *Facade) saveLocked(ctx context.Context, now time.Time) (bool, error) {
	if f.store == nil {
		return false, nil
	}
	rev := f.lookups.Revision()
	if rev == f.savedRevision {
		return false, nil
	}
	// Saving replaces the stored set, so it must include what was persisted.
	if err := f.loadLocked(ctx); err != nil {
		return false, err
	}
	rev = f.lookups.Revision()

	entries := f.lookups.ExportCache()
	if err := f.store.SaveCache(ctx, entries); err != nil {
		return false, fmt.Errorf("save structure cache: %w", err)
	}
	f.savedRevision = rev
	f.lastSave = now

	f.logger.Debug().Int("structures", len(entries)).Uint64("revision", rev).Msg("structure cache saved")
	return true, nil
}

// Run loads the cache, then saves on every tick until ctx is done and
// flushes once more on the way out.
func (f *Facade) Run(ctx context.Context) error {
	if err := f.Load(ctx); err != nil {
		f.logger.Error().Err(err).Msg("failed to load structure cache")
	}

	ticker := time.NewTicker(f.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			if err := f.Flush(flushCtx); err != nil {
				f.logger.Error().Err(err).Msg("failed to flush structure cache")
			}
			return nil
		case <-ticker.C:
			if _, err := f.Tick(ctx, f.now()); err != nil {
				f.logger.Warn().Err(err).Msg("structure cache save failed")
			}
		}
	}
}
