// Package effects keeps short interaction sounds resident in memory. A small
// LRU cache holds loaded clips; misses load through a Loader, and a missing
// asset silences that effect rather than failing the interaction that
// triggered it.
package effects

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound reports an effect with no backing asset.
var ErrNotFound = errors.New("effect asset not found")

// Resource is a loaded, playable effect sound.
type Resource interface {
	// Play fires the effect at the given volume without blocking.
	Play(volume float64)

	// Close releases the resource. Further Play calls are no-ops.
	Close() error
}

// Loader resolves effect names into playable resources.
type Loader interface {
	Load(name string) (Resource, error)
}

// Clip is a resident cache entry.
type Clip struct {
	name     string
	resource Resource
	lastUsed time.Time

	releaseOnce sync.Once
}

// Play fires the clip at the given volume.
func (c *Clip) Play(volume float64) {
	c.resource.Play(volume)
}

// Name returns the effect name the clip was loaded under.
func (c *Clip) Name() string {
	return c.name
}

// release closes the underlying resource exactly once, however many of
// eviction, invalidation, and cache shutdown race to do it.
func (c *Clip) release(logger zerolog.Logger) {
	c.releaseOnce.Do(func() {
		if err := c.resource.Close(); err != nil {
			logger.Warn().Err(err).Str("effect", c.name).Msg("Releasing effect resource failed")
		}
	})
}

// Cache holds up to capacity loaded clips, evicting the least recently used
// clip before each insert so residency never exceeds the bound.
type Cache struct {
	capacity int
	loader   Loader
	logger   zerolog.Logger

	mu    sync.Mutex
	clips map[string]*Clip
}

func NewCache(capacity int, loader Loader, logger zerolog.Logger) *Cache {
	if capacity <= 0 {
		capacity = 8
	}
	return &Cache{
		capacity: capacity,
		loader:   loader,
		logger:   logger.With().Str("component", "effects").Logger(),
		clips:    make(map[string]*Clip),
	}
}

// Get returns the clip for name, loading it on a miss. A missing or
// unloadable asset returns (nil, false); the caller skips the effect and the
// interaction goes on without it.
func (c *Cache) Get(name string) (*Clip, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if clip, ok := c.clips[name]; ok {
		clip.lastUsed = time.Now()
		return clip, true
	}

	resource, err := c.loader.Load(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.Debug().Str("effect", name).Msg("No asset for effect, skipping")
		} else {
			c.logger.Warn().Err(err).Str("effect", name).Msg("Loading effect failed")
		}
		return nil, false
	}

	for len(c.clips) >= c.capacity {
		c.evictOldestLocked()
	}

	clip := &Clip{name: name, resource: resource, lastUsed: time.Now()}
	c.clips[name] = clip
	c.logger.Debug().Str("effect", name).Int("resident", len(c.clips)).Msg("Effect loaded")
	return clip, true
}

// Invalidate drops name from the cache, releasing its resource. The next Get
// reloads from the asset on disk.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clip, ok := c.clips[name]
	if !ok {
		return
	}
	delete(c.clips, name)
	clip.release(c.logger)
	c.logger.Debug().Str("effect", name).Msg("Effect invalidated")
}

// Len reports how many clips are resident.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clips)
}

// Close releases every resident clip.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, clip := range c.clips {
		delete(c.clips, name)
		clip.release(c.logger)
	}
}

func (c *Cache) evictOldestLocked() {
	var (
		victim *Clip
		oldest time.Time
	)
	for _, clip := range c.clips {
		if victim == nil || clip.lastUsed.Before(oldest) {
			victim = clip
			oldest = clip.lastUsed
		}
	}
	if victim == nil {
		return
	}
	delete(c.clips, victim.name)
	victim.release(c.logger)
	c.logger.Debug().Str("effect", victim.name).Msg("Effect evicted")
}
