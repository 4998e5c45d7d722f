package orgcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/logger"
)

const defaultTTL = 24 * time.Hour

// ErrUnavailable is returned when the catalog source cannot be read.
var ErrUnavailable = errors.New("organization data is unavailable")

// Source provides the flat position catalog.
type Source interface {
	Positions(ctx context.Context) ([]Position, error)
}

// ProfileIndex reports which positions already have a generated profile,
// keyed by position id with the profile id as value.
type ProfileIndex interface {
	ProfilePositions(ctx context.Context) (map[string]string, error)
}

// Config configures a Cache.
type Config struct {
	Source   Source
	Profiles ProfileIndex
	// TTL is the staleness threshold after which Load rebuilds.
	TTL    time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

func (c *Config) defaults() error {
	if c.Source == nil {
		return fmt.Errorf("source is required")
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = logger.OrNop(c.Logger).With(zap.String("svc", "orgcache"))
	return nil
}

// Cache is a lazily built, atomically replaced snapshot of the organization.
type Cache struct {
	cfg Config

	current       atomic.Pointer[Entry]
	invalidations atomic.Uint64
	builds        atomic.Uint64
	buildMu       sync.Mutex
}

// New creates a Cache. Nothing is loaded until the first Load or lookup.
func New(cfg Config) (*Cache, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Cache{cfg: cfg}, nil
}

// Load returns the current entry, rebuilding it when missing, stale, invalidated or forced.
// On source failure the previous entry stays visible through Entry and lookups.
func (c *Cache) Load(ctx context.Context, forceRefresh bool) (*Entry, error) {
	if e := c.current.Load(); e != nil && !forceRefresh && !c.stale(e) {
		return e, nil
	}

	seen := c.builds.Load()

	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	// Someone else rebuilt while we waited for the lock.
	if e := c.current.Load(); e != nil && c.builds.Load() != seen && !c.stale(e) {
		return e, nil
	}

	return c.rebuild(ctx)
}

func (c *Cache) rebuild(ctx context.Context) (*Entry, error) {
	generation := c.invalidations.Load()
	started := c.cfg.Now()

	positions, err := c.cfg.Source.Positions(ctx)
	if err != nil {
		c.logStaleFallback(err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var profiles map[string]string
	if c.cfg.Profiles != nil {
		profiles, err = c.cfg.Profiles.ProfilePositions(ctx)
		if err != nil {
			c.cfg.Logger.Warn("profile index unavailable, using catalog profile flags", zap.Error(err))
			profiles = nil
		}
	}

	entry, err := build(positions, profiles, started)
	if err != nil {
		c.logStaleFallback(err)
		return nil, fmt.Errorf("building organization tree: %w", err)
	}
	entry.generation = generation

	c.current.Store(entry)
	c.builds.Add(1)

	c.cfg.Logger.Info("organization cache rebuilt",
		zap.Int("positions", entry.Len()),
		zap.Int("profiles", entry.Root.ProfileCount),
		zap.Duration("took", c.cfg.Now().Sub(started)),
	)

	return entry, nil
}

func (c *Cache) logStaleFallback(err error) {
	if prev := c.current.Load(); prev != nil {
		c.cfg.Logger.Warn("organization rebuild failed, keeping previous snapshot",
			zap.Time("built_at", prev.BuiltAt),
			zap.Error(err),
		)
		return
	}
	c.cfg.Logger.Error("organization rebuild failed, no snapshot available", zap.Error(err))
}

func (c *Cache) stale(e *Entry) bool {
	if e.generation != c.invalidations.Load() {
		return true
	}
	return c.cfg.Now().Sub(e.BuiltAt) >= c.cfg.TTL
}

// Invalidate marks the current entry stale. It stays visible until the next successful rebuild.
func (c *Cache) Invalidate() {
	c.invalidations.Add(1)
}

// MarkProfile records that positionID now has profileID. The current entry is
// replaced by an in-memory copy with updated flags and counts; the source is not
// re-read and the entry keeps its age. Unknown positions and an empty cache are
// left alone, the next rebuild picks the profile up from the profile index.
func (c *Cache) MarkProfile(positionID, profileID string) {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	e := c.current.Load()
	if e == nil {
		return
	}
	if p, ok := e.Index[positionID]; !ok || (p.ProfileExists && p.ProfileID == profileID) {
		return
	}

	entry, err := build(e.positions, map[string]string{positionID: profileID}, e.BuiltAt)
	if err != nil {
		c.cfg.Logger.Warn("marking profile failed, invalidating snapshot",
			zap.String("position_id", positionID),
			zap.Error(err),
		)
		c.invalidations.Add(1)
		return
	}
	entry.generation = e.generation

	c.current.Store(entry)
}

// Entry returns the last successfully built entry, which may be stale, or nil.
func (c *Cache) Entry() *Entry {
	return c.current.Load()
}

// resolve loads the cache, falling back to the last good entry when the rebuild fails.
func (c *Cache) resolve(ctx context.Context) (*Entry, error) {
	entry, err := c.Load(ctx, false)
	if err == nil {
		return entry, nil
	}
	if prev := c.current.Load(); prev != nil {
		return prev, nil
	}
	return nil, err
}

// Position looks a position up by id.
func (c *Cache) Position(ctx context.Context, id string) (Position, bool, error) {
	entry, err := c.resolve(ctx)
	if err != nil {
		return Position{}, false, err
	}

	p, ok := entry.Index[id]
	if !ok {
		return Position{}, false, nil
	}
	return p.clone(), true, nil
}

// Positions returns every position ordered by id.
func (c *Cache) Positions(ctx context.Context) ([]Position, error) {
	return c.positions(ctx, func(Position) bool { return true })
}

// PositionsWithoutProfile returns positions that have no generated profile, ordered by id.
func (c *Cache) PositionsWithoutProfile(ctx context.Context) ([]Position, error) {
	return c.positions(ctx, func(p Position) bool { return !p.ProfileExists })
}

func (c *Cache) positions(ctx context.Context, keep func(Position) bool) ([]Position, error) {
	entry, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Position, 0, len(entry.Index))
	for _, p := range entry.Index {
		if keep(p) {
			result = append(result, p.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PositionID < result[j].PositionID })

	return result, nil
}
